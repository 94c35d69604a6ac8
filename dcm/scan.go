package dcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Element is a single data element as found by the scanner. Value holds the
// raw bytes for primitive VRs and is nil for sequences (which the scanner
// skips over).
type Element struct {
	Tag   Tag
	VR    string // empty under implicit VR
	Value []byte
}

// ErrStopScan tells Scan to stop early without reporting an error.
var ErrStopScan = errors.New("dcm: stop scan")

const undefinedLength = 0xFFFFFFFF

// long-form explicit VRs carry a 2-byte reserved field and a 32-bit length.
var longVRs = map[string]bool{
	"OB": true, "OD": true, "OF": true, "OL": true, "OV": true,
	"OW": true, "SQ": true, "UC": true, "UN": true, "UR": true, "UT": true,
}

// Scan walks the top-level data elements of a little-endian dataset and
// calls fn for each. Sequences are skipped, not descended into. fn may
// return ErrStopScan to end the walk early.
func Scan(data []byte, explicitVR bool, fn func(Element) error) error {
	pos := 0
	for pos+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[pos:])
		element := binary.LittleEndian.Uint16(data[pos+2:])
		tag := Tag{Group: group, Element: element}
		pos += 4

		var vr string
		var length uint32
		// Delimitation items are always encoded implicit, even under
		// explicit VR transfer syntaxes.
		if explicitVR && group != 0xFFFE {
			if pos+2 > len(data) {
				return fmt.Errorf("dcm: truncated VR at %s", tag)
			}
			vr = string(data[pos : pos+2])
			pos += 2
			if longVRs[vr] {
				if pos+6 > len(data) {
					return fmt.Errorf("dcm: truncated length at %s", tag)
				}
				length = binary.LittleEndian.Uint32(data[pos+2:])
				pos += 6
			} else {
				if pos+2 > len(data) {
					return fmt.Errorf("dcm: truncated length at %s", tag)
				}
				length = uint32(binary.LittleEndian.Uint16(data[pos:]))
				pos += 2
			}
		} else {
			if pos+4 > len(data) {
				return fmt.Errorf("dcm: truncated length at %s", tag)
			}
			length = binary.LittleEndian.Uint32(data[pos:])
			pos += 4
		}

		isSequence := vr == "SQ" || (!explicitVR && length == undefinedLength)
		if isSequence || length == undefinedLength {
			end, err := skipUndefinedOrSequence(data, pos, length)
			if err != nil {
				return err
			}
			pos = end
			if err := fn(Element{Tag: tag, VR: vr}); err != nil {
				if errors.Is(err, ErrStopScan) {
					return nil
				}
				return err
			}
			continue
		}

		if pos+int(length) > len(data) {
			return fmt.Errorf("dcm: element %s length %d exceeds dataset", tag, length)
		}
		el := Element{Tag: tag, VR: vr, Value: data[pos : pos+int(length)]}
		pos += int(length)

		if err := fn(el); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// skipUndefinedOrSequence advances past a sequence or an undefined-length
// value starting at pos. For a defined-length sequence the length is known;
// for undefined length the scanner walks items until the sequence delimiter.
func skipUndefinedOrSequence(data []byte, pos int, length uint32) (int, error) {
	if length != undefinedLength {
		end := pos + int(length)
		if end > len(data) {
			return 0, fmt.Errorf("dcm: sequence length %d exceeds dataset", length)
		}
		return end, nil
	}
	for pos+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[pos:])
		element := binary.LittleEndian.Uint16(data[pos+2:])
		itemLen := binary.LittleEndian.Uint32(data[pos+4:])
		pos += 8
		tag := Tag{Group: group, Element: element}
		switch tag {
		case TagSequenceDelimiter:
			return pos, nil
		case TagItem:
			if itemLen == undefinedLength {
				end, err := skipUndefinedItem(data, pos)
				if err != nil {
					return 0, err
				}
				pos = end
			} else {
				pos += int(itemLen)
			}
		default:
			return 0, fmt.Errorf("dcm: unexpected tag %s inside sequence", tag)
		}
		if pos > len(data) {
			return 0, errors.New("dcm: truncated sequence")
		}
	}
	return 0, errors.New("dcm: missing sequence delimiter")
}

// skipUndefinedItem advances past an undefined-length item by nesting into
// any undefined-length sequences it contains.
func skipUndefinedItem(data []byte, pos int) (int, error) {
	depth := 1
	for pos+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[pos:])
		element := binary.LittleEndian.Uint16(data[pos+2:])
		l := binary.LittleEndian.Uint32(data[pos+4:])
		pos += 8
		tag := Tag{Group: group, Element: element}
		switch {
		case tag == TagItemDelimiter:
			depth--
			if depth == 0 {
				return pos, nil
			}
		case tag == TagItem && l == undefinedLength:
			depth++
		case tag == TagItem:
			pos += int(l)
		case tag == TagSequenceDelimiter:
			// Delimiter of a nested sequence encoded without item framing.
		case l == undefinedLength:
			depth++
		default:
			pos += int(l)
		}
		if pos > len(data) {
			return 0, errors.New("dcm: truncated item")
		}
	}
	return 0, errors.New("dcm: missing item delimiter")
}

// FindStrings extracts trimmed string values for the wanted tags from a
// little-endian dataset. The scan stops once every wanted tag was seen or
// when pixel data is reached, whichever comes first. Missing tags are simply
// absent from the result.
func FindStrings(data []byte, explicitVR bool, tags ...Tag) (map[Tag]string, error) {
	want := make(map[Tag]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	found := make(map[Tag]string, len(tags))
	err := Scan(data, explicitVR, func(el Element) error {
		if el.Tag == TagPixelData {
			return ErrStopScan
		}
		if want[el.Tag] && el.Value != nil {
			// UI values are even-padded with NUL, text VRs with space.
			found[el.Tag] = strings.TrimRight(string(el.Value), "\x00 ")
			if len(found) == len(want) {
				return ErrStopScan
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
