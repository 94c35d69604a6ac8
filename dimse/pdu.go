// Package dimse implements the DICOM upper layer protocol (PS3.8) for the
// gateway's SCP: PDU encoding and decoding, presentation context
// negotiation, and the per-connection association loop that turns C-ECHO and
// C-STORE messages into handler callbacks.
package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PDU type bytes (PS3.8 §9.3).
const (
	pduAssociateRQ byte = 0x01
	pduAssociateAC byte = 0x02
	pduAssociateRJ byte = 0x03
	pduDataTF      byte = 0x04
	pduReleaseRQ   byte = 0x05
	pduReleaseRP   byte = 0x06
	pduAbort       byte = 0x07
)

// Item type bytes inside A-ASSOCIATE PDUs (PS3.8 §9.3.2).
const (
	itemApplicationContext      byte = 0x10
	itemPresentationContextRQ   byte = 0x20
	itemPresentationContextAC   byte = 0x21
	itemAbstractSyntax          byte = 0x30
	itemTransferSyntax          byte = 0x40
	itemUserInformation         byte = 0x50
	itemMaximumLength           byte = 0x51
	itemImplementationClassUID  byte = 0x52
	itemImplementationVersion   byte = 0x55
)

// Presentation context results (PS3.8 table 9-18).
const (
	ContextAccepted              byte = 0
	ContextUserRejection         byte = 1
	ContextNoReason              byte = 2
	ContextAbstractNotSupported  byte = 3
	ContextTransferNotSupported  byte = 4
)

// A-ASSOCIATE-RJ fields (PS3.8 §9.3.4).
const (
	RejectResultPermanent byte = 1
	RejectResultTransient byte = 2

	RejectSourceServiceUser  byte = 1
	RejectSourceProviderACSE byte = 2
	RejectSourceProviderPres byte = 3

	RejectReasonNone                  byte = 1
	RejectReasonCallingAENotRecognized byte = 3
	RejectReasonCalledAENotRecognized  byte = 7
	RejectReasonLocalLimitExceeded     byte = 2 // with source = provider presentation
)

// A-ABORT sources.
const (
	AbortSourceServiceUser     byte = 0
	AbortSourceServiceProvider byte = 2
)

// DefaultMaxPDUSize is what the SCP advertises when config does not
// override it.
const DefaultMaxPDUSize = 4 << 20

// proposedContext is one presentation context from an A-ASSOCIATE-RQ.
type proposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// acceptedContext is the SCP's answer for one proposed context.
type acceptedContext struct {
	ID             byte
	Result         byte
	TransferSyntax string
}

// associateRQ is a decoded A-ASSOCIATE-RQ.
type associateRQ struct {
	CalledAET  string
	CallingAET string
	Contexts   []proposedContext
	MaxPDUSize uint32
}

// pdv is one presentation data value inside a P-DATA-TF.
type pdv struct {
	ContextID byte
	Command   bool
	Last      bool
	Value     []byte
}

// rawPDU is one framed upper-layer message.
type rawPDU struct {
	Type    byte
	Payload []byte
}

// readPDU reads one PDU frame. maxSize bounds the accepted payload length
// to keep a misbehaving peer from exhausting memory.
func readPDU(r io.Reader, maxSize uint32) (*rawPDU, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[2:6])
	if length > maxSize*2 {
		return nil, fmt.Errorf("dimse: PDU length %d exceeds limit %d", length, maxSize*2)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return &rawPDU{Type: hdr[0], Payload: payload}, nil
}

func writePDU(w io.Writer, pduType byte, payload []byte) error {
	var hdr [6]byte
	hdr[0] = pduType
	binary.BigEndian.PutUint32(hdr[2:6], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// decodeAssociateRQ parses the payload of an A-ASSOCIATE-RQ PDU.
func decodeAssociateRQ(payload []byte) (*associateRQ, error) {
	if len(payload) < 68 {
		return nil, fmt.Errorf("dimse: A-ASSOCIATE-RQ too short: %d bytes", len(payload))
	}
	rq := &associateRQ{
		CalledAET:  strings.TrimSpace(string(payload[4:20])),
		CallingAET: strings.TrimSpace(string(payload[20:36])),
		MaxPDUSize: DefaultMaxPDUSize,
	}
	if rq.CalledAET == "" || rq.CallingAET == "" {
		return nil, fmt.Errorf("dimse: empty AE title in A-ASSOCIATE-RQ")
	}
	pos := 68 // version(2) + reserved(2) + titles(32) + reserved(32)
	for pos+4 <= len(payload) {
		itemType := payload[pos]
		length := int(binary.BigEndian.Uint16(payload[pos+2 : pos+4]))
		pos += 4
		if pos+length > len(payload) {
			return nil, fmt.Errorf("dimse: truncated item 0x%02x", itemType)
		}
		body := payload[pos : pos+length]
		pos += length
		switch itemType {
		case itemApplicationContext:
			// Checked by the association loop; value recorded nowhere.
		case itemPresentationContextRQ:
			pc, err := decodePresentationContextRQ(body)
			if err != nil {
				return nil, err
			}
			rq.Contexts = append(rq.Contexts, *pc)
		case itemUserInformation:
			if max := decodeMaxLength(body); max > 0 {
				rq.MaxPDUSize = max
			}
		}
	}
	if len(rq.Contexts) == 0 {
		return nil, fmt.Errorf("dimse: A-ASSOCIATE-RQ proposes no presentation contexts")
	}
	return rq, nil
}

func decodePresentationContextRQ(body []byte) (*proposedContext, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("dimse: presentation context item too short")
	}
	pc := &proposedContext{ID: body[0]}
	if pc.ID%2 != 1 {
		return nil, fmt.Errorf("dimse: presentation context ID %d must be odd", pc.ID)
	}
	pos := 4
	for pos+4 <= len(body) {
		subType := body[pos]
		length := int(binary.BigEndian.Uint16(body[pos+2 : pos+4]))
		pos += 4
		if pos+length > len(body) {
			return nil, fmt.Errorf("dimse: truncated sub-item 0x%02x", subType)
		}
		value := string(body[pos : pos+length])
		pos += length
		switch subType {
		case itemAbstractSyntax:
			pc.AbstractSyntax = value
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, value)
		}
	}
	return pc, nil
}

func decodeMaxLength(body []byte) uint32 {
	pos := 0
	for pos+4 <= len(body) {
		subType := body[pos]
		length := int(binary.BigEndian.Uint16(body[pos+2 : pos+4]))
		pos += 4
		if pos+length > len(body) {
			return 0
		}
		if subType == itemMaximumLength && length == 4 {
			return binary.BigEndian.Uint32(body[pos : pos+4])
		}
		pos += length
	}
	return 0
}

// encodeAssociateAC builds an A-ASSOCIATE-AC payload echoing the AE titles
// of the request, answering each proposed context, and advertising maxPDU.
func encodeAssociateAC(rq *associateRQ, answers []acceptedContext, appContext string, maxPDU uint32, implClassUID, implVersion string) []byte {
	var buf bytes.Buffer
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], 1) // protocol version
	buf.Write(v[:])
	buf.Write([]byte{0, 0})
	buf.WriteString(padAE(rq.CalledAET))
	buf.WriteString(padAE(rq.CallingAET))
	buf.Write(make([]byte, 32))

	writeSubItemString(&buf, itemApplicationContext, appContext)
	for _, a := range answers {
		var pc bytes.Buffer
		pc.WriteByte(a.ID)
		pc.WriteByte(0)
		pc.WriteByte(a.Result)
		pc.WriteByte(0)
		if a.Result == ContextAccepted {
			writeSubItemString(&pc, itemTransferSyntax, a.TransferSyntax)
		}
		writeSubItem(&buf, itemPresentationContextAC, pc.Bytes())
	}

	var user bytes.Buffer
	var ml [4]byte
	binary.BigEndian.PutUint32(ml[:], maxPDU)
	writeSubItem(&user, itemMaximumLength, ml[:])
	writeSubItemString(&user, itemImplementationClassUID, implClassUID)
	writeSubItemString(&user, itemImplementationVersion, implVersion)
	writeSubItem(&buf, itemUserInformation, user.Bytes())

	return buf.Bytes()
}

func encodeAssociateRJ(result, source, reason byte) []byte {
	return []byte{0, result, source, reason}
}

func encodeAbort(source, reason byte) []byte {
	return []byte{0, 0, source, reason}
}

func encodeReleaseRP() []byte {
	return []byte{0, 0, 0, 0}
}

// decodePDVs splits a P-DATA-TF payload into its presentation data values.
func decodePDVs(payload []byte) ([]pdv, error) {
	var out []pdv
	pos := 0
	for pos+6 <= len(payload) {
		length := int(binary.BigEndian.Uint32(payload[pos : pos+4]))
		if length < 2 || pos+4+length > len(payload) {
			return nil, fmt.Errorf("dimse: bad PDV length %d", length)
		}
		header := payload[pos+5]
		if header&0xfc != 0 {
			return nil, fmt.Errorf("dimse: illegal PDV header byte 0x%02x", header)
		}
		out = append(out, pdv{
			ContextID: payload[pos+4],
			Command:   header&1 != 0,
			Last:      header&2 != 0,
			Value:     payload[pos+6 : pos+4+length],
		})
		pos += 4 + length
	}
	if pos != len(payload) {
		return nil, fmt.Errorf("dimse: trailing bytes in P-DATA-TF")
	}
	return out, nil
}

// encodePDATA fragments a command or data payload into P-DATA-TF PDUs no
// larger than the peer's negotiated receive size.
func encodePDATA(contextID byte, command bool, data []byte, maxPDU uint32) [][]byte {
	// Fragment budget: PDU payload minus the 6-byte PDV envelope.
	chunk := int(maxPDU) - 6
	if chunk < 1024 {
		chunk = 1024
	}
	var pdus [][]byte
	for off := 0; off < len(data) || off == 0; off += chunk {
		end := off + chunk
		last := false
		if end >= len(data) {
			end = len(data)
			last = true
		}
		frag := data[off:end]
		var buf bytes.Buffer
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(2+len(frag)))
		buf.Write(l[:])
		buf.WriteByte(contextID)
		var header byte
		if command {
			header |= 1
		}
		if last {
			header |= 2
		}
		buf.WriteByte(header)
		buf.Write(frag)
		pdus = append(pdus, buf.Bytes())
		if last {
			break
		}
	}
	return pdus
}

func writeSubItem(buf *bytes.Buffer, itemType byte, body []byte) {
	buf.WriteByte(itemType)
	buf.WriteByte(0)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(body)))
	buf.Write(l[:])
	buf.Write(body)
}

func writeSubItemString(buf *bytes.Buffer, itemType byte, s string) {
	writeSubItem(buf, itemType, []byte(s))
}

func padAE(s string) string {
	if len(s) > 16 {
		return s[:16]
	}
	return s + strings.Repeat(" ", 16-len(s))
}
