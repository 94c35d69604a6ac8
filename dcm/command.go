package dcm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DIMSE command field values (PS3.7 E.1).
const (
	CommandCStoreRQ  uint16 = 0x0001
	CommandCStoreRSP uint16 = 0x8001
	CommandCEchoRQ   uint16 = 0x0030
	CommandCEchoRSP  uint16 = 0x8030
)

// CommandDataSetTypeNull marks a command with no data set following it.
const CommandDataSetTypeNull uint16 = 0x0101

// DIMSE status codes the gateway emits (PS3.7 Annex C, PS3.4 GG4-1).
const (
	StatusSuccess              uint16 = 0x0000
	StatusSOPClassNotSupported uint16 = 0x0122
	StatusProcessingFailure    uint16 = 0x0110
	StatusOutOfResources       uint16 = 0xA700
	StatusDataSetMismatch      uint16 = 0xA900
	StatusCannotUnderstand     uint16 = 0xC000
	// StatusElementsDiscarded is the C-STORE warning acknowledging an
	// instance that was accepted but intentionally not stored.
	StatusElementsDiscarded uint16 = 0xB006
)

// Command is a decoded DIMSE command set. Only the fields the gateway's
// verification and storage services use are modelled; unknown elements are
// ignored on decode.
type Command struct {
	CommandField              uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
}

// HasData reports whether a data set follows the command on the wire.
func (c *Command) HasData() bool {
	return c.CommandDataSetType != CommandDataSetTypeNull
}

// DecodeCommand parses a command set. Command sets are always encoded in
// implicit VR little endian (PS3.7 6.3.1).
func DecodeCommand(data []byte) (*Command, error) {
	c := &Command{CommandDataSetType: CommandDataSetTypeNull}
	sawField := false
	err := Scan(data, false, func(el Element) error {
		switch el.Tag {
		case TagCommandField:
			c.CommandField = u16(el.Value)
			sawField = true
		case TagAffectedSOPClassUID:
			c.AffectedSOPClassUID = trimUID(el.Value)
		case TagAffectedSOPInstanceUID:
			c.AffectedSOPInstanceUID = trimUID(el.Value)
		case TagMessageID:
			c.MessageID = u16(el.Value)
		case TagMessageIDBeingRespondedTo:
			c.MessageIDBeingRespondedTo = u16(el.Value)
		case TagPriority:
			c.Priority = u16(el.Value)
		case TagCommandDataSetType:
			c.CommandDataSetType = u16(el.Value)
		case TagStatus:
			c.Status = u16(el.Value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !sawField {
		return nil, fmt.Errorf("dcm: command set missing CommandField")
	}
	return c, nil
}

// Encode serialises the command set in implicit VR little endian, with the
// mandatory group length element first.
func (c *Command) Encode() []byte {
	var body bytes.Buffer
	if c.AffectedSOPClassUID != "" {
		writeString(&body, TagAffectedSOPClassUID, c.AffectedSOPClassUID)
	}
	writeUint16(&body, TagCommandField, c.CommandField)
	switch c.CommandField {
	case CommandCStoreRQ, CommandCEchoRQ:
		writeUint16(&body, TagMessageID, c.MessageID)
	default:
		writeUint16(&body, TagMessageIDBeingRespondedTo, c.MessageIDBeingRespondedTo)
	}
	if c.CommandField == CommandCStoreRQ {
		writeUint16(&body, TagPriority, c.Priority)
	}
	writeUint16(&body, TagCommandDataSetType, c.CommandDataSetType)
	if c.CommandField == CommandCStoreRSP || c.CommandField == CommandCEchoRSP {
		writeUint16(&body, TagStatus, c.Status)
	}
	if c.AffectedSOPInstanceUID != "" {
		writeString(&body, TagAffectedSOPInstanceUID, c.AffectedSOPInstanceUID)
	}

	var out bytes.Buffer
	writeUint32(&out, TagCommandGroupLength, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func u16(v []byte) uint16 {
	if len(v) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(v)
}

func trimUID(v []byte) string {
	for len(v) > 0 && (v[len(v)-1] == 0 || v[len(v)-1] == ' ') {
		v = v[:len(v)-1]
	}
	return string(v)
}

// writeString emits an implicit VR element with NUL padding to even length.
func writeString(w *bytes.Buffer, tag Tag, s string) {
	b := []byte(s)
	if len(b)%2 != 0 {
		b = append(b, 0)
	}
	writeImplicitHeader(w, tag, uint32(len(b)))
	w.Write(b)
}

func writeUint16(w *bytes.Buffer, tag Tag, v uint16) {
	writeImplicitHeader(w, tag, 2)
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func writeUint32(w *bytes.Buffer, tag Tag, v uint32) {
	writeImplicitHeader(w, tag, 4)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeImplicitHeader(w *bytes.Buffer, tag Tag, length uint32) {
	var b [8]byte
	binary.LittleEndian.PutUint16(b[0:], tag.Group)
	binary.LittleEndian.PutUint16(b[2:], tag.Element)
	binary.LittleEndian.PutUint32(b[4:], length)
	w.Write(b[:])
}
