package dcm

import (
	"bytes"
	"encoding/binary"
	"io"
)

// WriteFileMeta writes a Part 10 preamble and file meta information group
// (PS3.10 §7.1) so a raw dataset received over DIMSE can be stored as a
// standard DICOM file. The dataset bytes follow the returned header on disk,
// unchanged, in the negotiated transfer syntax.
func WriteFileMeta(w io.Writer, sopClassUID, sopInstanceUID, transferSyntaxUID string) error {
	var group bytes.Buffer
	writeMetaElement(&group, TagFileMetaVersion, "OB", []byte{0x00, 0x01})
	writeMetaElement(&group, TagMediaStorageSOPClass, "UI", padUID(sopClassUID))
	writeMetaElement(&group, TagMediaStorageSOPInst, "UI", padUID(sopInstanceUID))
	writeMetaElement(&group, TagTransferSyntaxUID, "UI", padUID(transferSyntaxUID))
	writeMetaElement(&group, TagImplementationClass, "UI", padUID(ImplementationClassUID))
	writeMetaElement(&group, TagImplementationVersion, "SH", padText(ImplementationVersionName))

	var out bytes.Buffer
	out.Write(make([]byte, 128))
	out.WriteString("DICM")
	var gl [4]byte
	binary.LittleEndian.PutUint32(gl[:], uint32(group.Len()))
	writeMetaElement(&out, TagFileMetaGroupLength, "UL", gl[:])
	out.Write(group.Bytes())

	_, err := w.Write(out.Bytes())
	return err
}

// writeMetaElement emits one explicit VR little endian element. The file
// meta group is always explicit VR LE regardless of the dataset syntax.
func writeMetaElement(w *bytes.Buffer, tag Tag, vr string, value []byte) {
	var hdr [6]byte
	binary.LittleEndian.PutUint16(hdr[0:], tag.Group)
	binary.LittleEndian.PutUint16(hdr[2:], tag.Element)
	hdr[4] = vr[0]
	hdr[5] = vr[1]
	w.Write(hdr[:])
	if longVRs[vr] {
		var l [6]byte
		binary.LittleEndian.PutUint32(l[2:], uint32(len(value)))
		w.Write(l[:])
	} else {
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(value)))
		w.Write(l[:])
	}
	w.Write(value)
}

func padUID(s string) []byte {
	b := []byte(s)
	if len(b)%2 != 0 {
		b = append(b, 0)
	}
	return b
}

func padText(s string) []byte {
	b := []byte(s)
	if len(b)%2 != 0 {
		b = append(b, ' ')
	}
	return b
}
