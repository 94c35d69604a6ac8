package dimse

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/hazyhaar/imgw/dcm"
)

// SCUConfig configures an outbound association.
type SCUConfig struct {
	// Addr is the remote "host:port".
	Addr string
	// CalledAET / CallingAET identify the two ends.
	CalledAET  string
	CallingAET string
	// SOPClasses to propose. Default: the gateway's storage SOP classes
	// plus verification.
	SOPClasses []string
	// Timeout bounds dialing and each request/response exchange.
	// Default: 30s.
	Timeout time.Duration
}

func (c *SCUConfig) defaults() {
	if len(c.SOPClasses) == 0 {
		c.SOPClasses = append([]string{dcm.VerificationSOPClass}, dcm.StorageSOPClasses...)
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// SCU is a minimal storage service user: one association, sequential
// C-STORE operations, then release.
type SCU struct {
	cfg      SCUConfig
	conn     net.Conn
	contexts map[string]byte // abstract syntax -> context ID
	syntaxes map[byte]string // context ID -> transfer syntax
	maxPDU   uint32
	nextID   uint16
}

// Dial opens the TCP connection and negotiates the association.
func Dial(ctx context.Context, cfg SCUConfig) (*SCU, error) {
	cfg.defaults()
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dimse: dial %s: %w", cfg.Addr, err)
	}
	u := &SCU{cfg: cfg, conn: conn, maxPDU: DefaultMaxPDUSize, nextID: 1}
	if err := u.associate(); err != nil {
		conn.Close()
		return nil, err
	}
	return u, nil
}

func (u *SCU) associate() error {
	var buf bytes.Buffer
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], 1)
	buf.Write(v[:])
	buf.Write([]byte{0, 0})
	buf.WriteString(padAE(u.cfg.CalledAET))
	buf.WriteString(padAE(u.cfg.CallingAET))
	buf.Write(make([]byte, 32))

	writeSubItemString(&buf, itemApplicationContext, dcm.DICOMApplicationContext)
	proposed := make(map[byte]string, len(u.cfg.SOPClasses))
	id := byte(1)
	for _, sop := range u.cfg.SOPClasses {
		var pc bytes.Buffer
		pc.WriteByte(id)
		pc.Write([]byte{0, 0, 0})
		writeSubItemString(&pc, itemAbstractSyntax, sop)
		writeSubItemString(&pc, itemTransferSyntax, dcm.ExplicitVRLittleEndian)
		writeSubItemString(&pc, itemTransferSyntax, dcm.ImplicitVRLittleEndian)
		writeSubItem(&buf, itemPresentationContextRQ, pc.Bytes())
		proposed[id] = sop
		id += 2
	}

	var user bytes.Buffer
	var ml [4]byte
	binary.BigEndian.PutUint32(ml[:], DefaultMaxPDUSize)
	writeSubItem(&user, itemMaximumLength, ml[:])
	writeSubItemString(&user, itemImplementationClassUID, dcm.ImplementationClassUID)
	writeSubItemString(&user, itemImplementationVersion, dcm.ImplementationVersionName)
	writeSubItem(&buf, itemUserInformation, user.Bytes())

	u.conn.SetDeadline(time.Now().Add(u.cfg.Timeout))
	if err := writePDU(u.conn, pduAssociateRQ, buf.Bytes()); err != nil {
		return fmt.Errorf("dimse: write A-ASSOCIATE-RQ: %w", err)
	}
	p, err := readPDU(u.conn, DefaultMaxPDUSize)
	if err != nil {
		return fmt.Errorf("dimse: read association response: %w", err)
	}
	switch p.Type {
	case pduAssociateAC:
		return u.decodeAC(p.Payload, proposed)
	case pduAssociateRJ:
		if len(p.Payload) >= 4 {
			return fmt.Errorf("dimse: association rejected: result=%d source=%d reason=%d",
				p.Payload[1], p.Payload[2], p.Payload[3])
		}
		return fmt.Errorf("dimse: association rejected")
	default:
		return fmt.Errorf("dimse: unexpected PDU type %d in response", p.Type)
	}
}

func (u *SCU) decodeAC(payload []byte, proposed map[byte]string) error {
	if len(payload) < 68 {
		return fmt.Errorf("dimse: A-ASSOCIATE-AC too short")
	}
	u.contexts = make(map[string]byte)
	u.syntaxes = make(map[byte]string)
	pos := 68
	for pos+4 <= len(payload) {
		itemType := payload[pos]
		length := int(binary.BigEndian.Uint16(payload[pos+2 : pos+4]))
		pos += 4
		if pos+length > len(payload) {
			return fmt.Errorf("dimse: truncated AC item 0x%02x", itemType)
		}
		body := payload[pos : pos+length]
		pos += length
		switch itemType {
		case itemPresentationContextAC:
			if len(body) < 4 {
				continue
			}
			ctxID, result := body[0], body[2]
			if result != ContextAccepted {
				continue
			}
			ipos := 4
			for ipos+4 <= len(body) {
				st := body[ipos]
				sl := int(binary.BigEndian.Uint16(body[ipos+2 : ipos+4]))
				ipos += 4
				if ipos+sl > len(body) {
					break
				}
				if st == itemTransferSyntax {
					u.syntaxes[ctxID] = string(body[ipos : ipos+sl])
				}
				ipos += sl
			}
			if sop, ok := proposed[ctxID]; ok {
				u.contexts[sop] = ctxID
			}
		case itemUserInformation:
			if max := decodeMaxLength(body); max > 0 {
				u.maxPDU = max
			}
		}
	}
	if len(u.contexts) == 0 {
		return fmt.Errorf("dimse: peer accepted no presentation contexts")
	}
	return nil
}

// TransferSyntaxFor returns the negotiated transfer syntax for a SOP class,
// or empty if the class was not accepted.
func (u *SCU) TransferSyntaxFor(sopClassUID string) string {
	id, ok := u.contexts[sopClassUID]
	if !ok {
		return ""
	}
	return u.syntaxes[id]
}

// Echo issues a C-ECHO and returns the peer's status.
func (u *SCU) Echo(ctx context.Context) error {
	id, ok := u.contexts[dcm.VerificationSOPClass]
	if !ok {
		return fmt.Errorf("dimse: verification not negotiated")
	}
	cmd := &dcm.Command{
		CommandField:        dcm.CommandCEchoRQ,
		AffectedSOPClassUID: dcm.VerificationSOPClass,
		MessageID:           u.messageID(),
		CommandDataSetType:  dcm.CommandDataSetTypeNull,
	}
	rsp, err := u.exchange(ctx, id, cmd, nil)
	if err != nil {
		return err
	}
	if rsp.Status != dcm.StatusSuccess {
		return fmt.Errorf("dimse: C-ECHO status 0x%04x", rsp.Status)
	}
	return nil
}

// Store sends one instance. data must be the dataset in the negotiated
// transfer syntax (no file meta). Returns the peer's DIMSE status.
func (u *SCU) Store(ctx context.Context, sopClassUID, sopInstanceUID string, data []byte) (uint16, error) {
	id, ok := u.contexts[sopClassUID]
	if !ok {
		return 0, fmt.Errorf("dimse: SOP class %s not negotiated", sopClassUID)
	}
	cmd := &dcm.Command{
		CommandField:           dcm.CommandCStoreRQ,
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		MessageID:              u.messageID(),
		CommandDataSetType:     0x0000,
	}
	rsp, err := u.exchange(ctx, id, cmd, data)
	if err != nil {
		return 0, err
	}
	return rsp.Status, nil
}

// exchange writes a command (and optional dataset) and reads the response
// command on the same presentation context.
func (u *SCU) exchange(ctx context.Context, contextID byte, cmd *dcm.Command, data []byte) (*dcm.Command, error) {
	deadline := time.Now().Add(u.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	u.conn.SetDeadline(deadline)

	for _, payload := range encodePDATA(contextID, true, cmd.Encode(), u.maxPDU) {
		if err := writePDU(u.conn, pduDataTF, payload); err != nil {
			return nil, fmt.Errorf("dimse: write command: %w", err)
		}
	}
	if data != nil {
		for _, payload := range encodePDATA(contextID, false, data, u.maxPDU) {
			if err := writePDU(u.conn, pduDataTF, payload); err != nil {
				return nil, fmt.Errorf("dimse: write dataset: %w", err)
			}
		}
	}

	asm := &assembler{}
	for {
		p, err := readPDU(u.conn, DefaultMaxPDUSize)
		if err != nil {
			return nil, fmt.Errorf("dimse: read response: %w", err)
		}
		switch p.Type {
		case pduDataTF:
			pdvs, err := decodePDVs(p.Payload)
			if err != nil {
				return nil, err
			}
			for _, v := range pdvs {
				rsp, _, err := asm.add(v)
				if err != nil {
					return nil, err
				}
				if rsp != nil {
					return rsp, nil
				}
			}
		case pduAbort:
			return nil, fmt.Errorf("dimse: peer aborted association")
		default:
			return nil, fmt.Errorf("dimse: unexpected PDU type %d", p.Type)
		}
	}
}

// Release performs a graceful release and closes the connection.
func (u *SCU) Release() error {
	defer u.conn.Close()
	u.conn.SetDeadline(time.Now().Add(u.cfg.Timeout))
	if err := writePDU(u.conn, pduReleaseRQ, encodeReleaseRP()); err != nil {
		return err
	}
	// Best effort: wait for A-RELEASE-RP, tolerate anything else.
	readPDU(u.conn, DefaultMaxPDUSize)
	return nil
}

// Abort tears the association down without release.
func (u *SCU) Abort() {
	writePDU(u.conn, pduAbort, encodeAbort(AbortSourceServiceUser, 0))
	u.conn.Close()
}

func (u *SCU) messageID() uint16 {
	id := u.nextID
	u.nextID++
	return id
}
