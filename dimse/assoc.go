package dimse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/imgw/dcm"
)

// AssociationInfo describes an incoming association request, passed to the
// handler for admission control.
type AssociationInfo struct {
	ID         string
	RemoteHost string
	RemotePort int
	CalledAET  string
	CallingAET string
	// ProposedSOPClasses are the abstract syntaxes the peer proposed.
	ProposedSOPClasses []string
}

// Reject is returned by OnAssociationRequest to refuse an association.
type Reject struct {
	Result byte
	Source byte
	Reason byte
}

// Common rejections.
var (
	RejectCallingAENotRecognized = &Reject{RejectResultPermanent, RejectSourceServiceUser, RejectReasonCallingAENotRecognized}
	RejectCalledAENotRecognized  = &Reject{RejectResultPermanent, RejectSourceServiceUser, RejectReasonCalledAENotRecognized}
	RejectNoReason               = &Reject{RejectResultPermanent, RejectSourceServiceUser, RejectReasonNone}
	RejectLocalLimitExceeded     = &Reject{RejectResultTransient, RejectSourceProviderPres, RejectReasonLocalLimitExceeded}
)

// StoreRequest carries one C-STORE instance to the handler. Data holds the
// dataset bytes in the negotiated transfer syntax, without file meta.
type StoreRequest struct {
	AssociationID     string
	CalledAET         string
	CallingAET        string
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	Data              []byte
}

// Handler receives upper-layer events from an association. Callbacks for a
// single association are invoked sequentially.
type Handler interface {
	// OnAssociationRequest decides admission. Returning nil accepts.
	OnAssociationRequest(ctx context.Context, info AssociationInfo) *Reject
	// OnCEchoRequest is informational; C-ECHO always answers Success once
	// the association was admitted.
	OnCEchoRequest(ctx context.Context, info AssociationInfo)
	// OnCStoreRequest stores one instance and returns a DIMSE status code.
	OnCStoreRequest(ctx context.Context, req *StoreRequest) uint16
	// OnAssociationRelease fires on a graceful release.
	OnAssociationRelease(ctx context.Context, info AssociationInfo)
	// OnAssociationAbort fires on A-ABORT or transport failure.
	OnAssociationAbort(info AssociationInfo, source, reason byte)
}

// assembler reassembles a DIMSE message from P-DATA fragments (PS3.8 E.2).
type assembler struct {
	contextID    byte
	commandBytes []byte
	dataBytes    []byte
	command      *dcm.Command
	commandDone  bool
	dataDone     bool
}

// add consumes one PDV. It returns the completed command and dataset once
// the final fragment arrived, or (nil, nil, nil) while more are expected.
func (a *assembler) add(v pdv) (*dcm.Command, []byte, error) {
	if a.contextID == 0 {
		a.contextID = v.ContextID
	} else if a.contextID != v.ContextID {
		return nil, nil, fmt.Errorf("dimse: interleaved contexts %d and %d", a.contextID, v.ContextID)
	}
	if v.Command {
		if a.commandDone {
			return nil, nil, errors.New("dimse: command fragment after last")
		}
		a.commandBytes = append(a.commandBytes, v.Value...)
		a.commandDone = v.Last
	} else {
		if a.dataDone {
			return nil, nil, errors.New("dimse: data fragment after last")
		}
		a.dataBytes = append(a.dataBytes, v.Value...)
		a.dataDone = v.Last
	}
	if !a.commandDone {
		return nil, nil, nil
	}
	if a.command == nil {
		cmd, err := dcm.DecodeCommand(a.commandBytes)
		if err != nil {
			return nil, nil, err
		}
		a.command = cmd
	}
	if a.command.HasData() && !a.dataDone {
		return nil, nil, nil
	}
	cmd, data := a.command, a.dataBytes
	*a = assembler{}
	return cmd, data, nil
}

// association drives one accepted TCP connection through the DICOM upper
// layer state machine: negotiation, data transfer, release or abort.
type association struct {
	conn        net.Conn
	handler     Handler
	logger      *slog.Logger
	maxRecvPDU  uint32 // what we accept
	maxSendPDU  uint32 // what the peer accepts
	idleTimeout time.Duration
	info        AssociationInfo
	// contexts maps accepted presentation context IDs to their syntaxes.
	contexts map[byte]acceptedContext
	abstract map[byte]string
}

func (a *association) run(ctx context.Context) {
	defer a.conn.Close()

	a.conn.SetReadDeadline(time.Now().Add(a.idleTimeout))
	first, err := readPDU(a.conn, a.maxRecvPDU)
	if err != nil {
		a.logger.Debug("dimse: no association request", "remote", a.conn.RemoteAddr(), "error", err)
		return
	}
	if first.Type != pduAssociateRQ {
		a.logger.Warn("dimse: unexpected first PDU", "type", first.Type)
		writePDU(a.conn, pduAbort, encodeAbort(AbortSourceServiceProvider, 0))
		return
	}
	rq, err := decodeAssociateRQ(first.Payload)
	if err != nil {
		a.logger.Warn("dimse: malformed A-ASSOCIATE-RQ", "error", err)
		writePDU(a.conn, pduAbort, encodeAbort(AbortSourceServiceProvider, 0))
		return
	}

	a.info.ID = uuid.NewString()
	a.info.CalledAET = rq.CalledAET
	a.info.CallingAET = rq.CallingAET
	a.info.RemoteHost, a.info.RemotePort = splitHostPort(a.conn.RemoteAddr())
	for _, pc := range rq.Contexts {
		a.info.ProposedSOPClasses = append(a.info.ProposedSOPClasses, pc.AbstractSyntax)
	}
	a.maxSendPDU = rq.MaxPDUSize

	if rej := a.handler.OnAssociationRequest(ctx, a.info); rej != nil {
		a.logger.Info("dimse: association rejected",
			"association", a.info.ID,
			"calling", a.info.CallingAET,
			"called", a.info.CalledAET,
			"result", rej.Result, "reason", rej.Reason)
		writePDU(a.conn, pduAssociateRJ, encodeAssociateRJ(rej.Result, rej.Source, rej.Reason))
		return
	}

	answers := a.negotiate(rq)
	ac := encodeAssociateAC(rq, answers, dcm.DICOMApplicationContext, a.maxRecvPDU,
		dcm.ImplementationClassUID, dcm.ImplementationVersionName)
	if err := writePDU(a.conn, pduAssociateAC, ac); err != nil {
		a.logger.Warn("dimse: write A-ASSOCIATE-AC", "error", err)
		return
	}
	a.logger.Info("dimse: association accepted",
		"association", a.info.ID,
		"calling", a.info.CallingAET,
		"called", a.info.CalledAET,
		"contexts", len(a.contexts))

	a.serve(ctx)
}

// negotiate answers each proposed presentation context, preferring explicit
// VR little endian over implicit.
func (a *association) negotiate(rq *associateRQ) []acceptedContext {
	a.contexts = make(map[byte]acceptedContext)
	a.abstract = make(map[byte]string)
	answers := make([]acceptedContext, 0, len(rq.Contexts))
	for _, pc := range rq.Contexts {
		ans := acceptedContext{ID: pc.ID, Result: ContextAbstractNotSupported}
		if pc.AbstractSyntax == dcm.VerificationSOPClass || isStorageSOPClass(pc.AbstractSyntax) {
			ans.Result = ContextTransferNotSupported
			if hasSyntax(pc.TransferSyntaxes, dcm.ExplicitVRLittleEndian) {
				ans.Result = ContextAccepted
				ans.TransferSyntax = dcm.ExplicitVRLittleEndian
			} else if hasSyntax(pc.TransferSyntaxes, dcm.ImplicitVRLittleEndian) {
				ans.Result = ContextAccepted
				ans.TransferSyntax = dcm.ImplicitVRLittleEndian
			}
		}
		if ans.Result == ContextAccepted {
			a.contexts[pc.ID] = ans
			a.abstract[pc.ID] = pc.AbstractSyntax
		}
		answers = append(answers, ans)
	}
	return answers
}

// serve is the data-transfer phase: P-DATA until release or abort.
func (a *association) serve(ctx context.Context) {
	asm := &assembler{}
	for {
		if ctx.Err() != nil {
			writePDU(a.conn, pduAbort, encodeAbort(AbortSourceServiceProvider, 0))
			a.handler.OnAssociationAbort(a.info, AbortSourceServiceProvider, 0)
			return
		}
		a.conn.SetReadDeadline(time.Now().Add(a.idleTimeout))
		p, err := readPDU(a.conn, a.maxRecvPDU)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				a.logger.Warn("dimse: read failed", "association", a.info.ID, "error", err)
			}
			a.handler.OnAssociationAbort(a.info, AbortSourceServiceProvider, 0)
			return
		}
		switch p.Type {
		case pduDataTF:
			if err := a.handleData(ctx, asm, p.Payload); err != nil {
				a.logger.Warn("dimse: data transfer failed", "association", a.info.ID, "error", err)
				writePDU(a.conn, pduAbort, encodeAbort(AbortSourceServiceProvider, 0))
				a.handler.OnAssociationAbort(a.info, AbortSourceServiceProvider, 0)
				return
			}
		case pduReleaseRQ:
			writePDU(a.conn, pduReleaseRP, encodeReleaseRP())
			a.handler.OnAssociationRelease(ctx, a.info)
			return
		case pduAbort:
			var source, reason byte
			if len(p.Payload) >= 4 {
				source, reason = p.Payload[2], p.Payload[3]
			}
			a.handler.OnAssociationAbort(a.info, source, reason)
			return
		default:
			a.logger.Warn("dimse: unexpected PDU during data transfer", "type", p.Type)
			writePDU(a.conn, pduAbort, encodeAbort(AbortSourceServiceProvider, 0))
			a.handler.OnAssociationAbort(a.info, AbortSourceServiceProvider, 0)
			return
		}
	}
}

func (a *association) handleData(ctx context.Context, asm *assembler, payload []byte) error {
	pdvs, err := decodePDVs(payload)
	if err != nil {
		return err
	}
	for _, v := range pdvs {
		cmd, data, err := asm.add(v)
		if err != nil {
			return err
		}
		if cmd == nil {
			continue
		}
		pc, ok := a.contexts[v.ContextID]
		if !ok {
			return fmt.Errorf("dimse: message on unaccepted context %d", v.ContextID)
		}
		switch cmd.CommandField {
		case dcm.CommandCEchoRQ:
			a.handler.OnCEchoRequest(ctx, a.info)
			rsp := &dcm.Command{
				CommandField:              dcm.CommandCEchoRSP,
				AffectedSOPClassUID:       dcm.VerificationSOPClass,
				MessageIDBeingRespondedTo: cmd.MessageID,
				CommandDataSetType:        dcm.CommandDataSetTypeNull,
				Status:                    dcm.StatusSuccess,
			}
			if err := a.respond(v.ContextID, rsp); err != nil {
				return err
			}
		case dcm.CommandCStoreRQ:
			status := a.handler.OnCStoreRequest(ctx, &StoreRequest{
				AssociationID:     a.info.ID,
				CalledAET:         a.info.CalledAET,
				CallingAET:        a.info.CallingAET,
				SOPClassUID:       cmd.AffectedSOPClassUID,
				SOPInstanceUID:    cmd.AffectedSOPInstanceUID,
				TransferSyntaxUID: pc.TransferSyntax,
				Data:              data,
			})
			rsp := &dcm.Command{
				CommandField:              dcm.CommandCStoreRSP,
				AffectedSOPClassUID:       cmd.AffectedSOPClassUID,
				AffectedSOPInstanceUID:    cmd.AffectedSOPInstanceUID,
				MessageIDBeingRespondedTo: cmd.MessageID,
				CommandDataSetType:        dcm.CommandDataSetTypeNull,
				Status:                    status,
			}
			if err := a.respond(v.ContextID, rsp); err != nil {
				return err
			}
		default:
			return fmt.Errorf("dimse: unsupported command 0x%04x", cmd.CommandField)
		}
	}
	return nil
}

func (a *association) respond(contextID byte, cmd *dcm.Command) error {
	for _, payload := range encodePDATA(contextID, true, cmd.Encode(), a.maxSendPDU) {
		if err := writePDU(a.conn, pduDataTF, payload); err != nil {
			return err
		}
	}
	return nil
}

func isStorageSOPClass(uid string) bool {
	for _, s := range dcm.StorageSOPClasses {
		if s == uid {
			return true
		}
	}
	return false
}

func hasSyntax(list []string, uid string) bool {
	for _, s := range list {
		if s == uid {
			return true
		}
	}
	return false
}

func splitHostPort(addr net.Addr) (string, int) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String(), 0
	}
	return tcp.IP.String(), tcp.Port
}
