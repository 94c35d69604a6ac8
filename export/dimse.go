package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/hazyhaar/imgw/dcm"
	"github.com/hazyhaar/imgw/dimse"
	"github.com/hazyhaar/imgw/mq"
	"github.com/hazyhaar/imgw/plugin"
	"github.com/hazyhaar/imgw/store"
)

// DimseConfig bounds the DIMSE sender.
type DimseConfig struct {
	// AETitle is the calling AE title presented to remote SCPs.
	AETitle string `yaml:"aeTitle" validate:"required"`
	// Timeout bounds each outbound association.
	Timeout time.Duration `yaml:"timeout"`
	Logger  *slog.Logger
}

func (c *DimseConfig) defaults() {
	if c.AETitle == "" {
		c.AETitle = "IMGW"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DimseSender performs C-STORE to configured destination AEs. Message
// destinations name DestinationAE records; an unknown name is a
// configuration error.
type DimseSender struct {
	cfg DimseConfig
	aes *store.AERepository
}

func NewDimseSender(cfg DimseConfig, aes *store.AERepository) *DimseSender {
	cfg.defaults()
	return &DimseSender{cfg: cfg, aes: aes}
}

func (s *DimseSender) Name() string { return "DicomExport" }

func (s *DimseSender) Send(ctx context.Context, msg *plugin.ExportMessage) *plugin.ExportMessage {
	log := s.cfg.Logger.With("exportTaskId", msg.ExportTaskID, "file", msg.Filename)

	if len(msg.Destinations) == 0 {
		msg.Status = mq.ExportStatusConfigurationError
		msg.Error = "export message names no destination"
		return msg
	}

	inst, err := parseInstance(msg.Data)
	if err != nil {
		msg.Status = mq.ExportStatusServiceError
		msg.Error = err.Error()
		log.Error("dimse export: parse", "error", err)
		return msg
	}

	for _, name := range msg.Destinations {
		dst, err := s.aes.GetDestinationAE(ctx, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				msg.Status = mq.ExportStatusConfigurationError
				msg.Error = fmt.Sprintf("unknown destination %q", name)
			} else {
				msg.Status = mq.ExportStatusServiceError
				msg.Error = err.Error()
			}
			log.Error("dimse export: resolve destination", "destination", name, "error", msg.Error)
			return msg
		}
		if err := s.store(ctx, dst, inst); err != nil {
			msg.Status = mq.ExportStatusServiceError
			msg.Error = err.Error()
			log.Error("dimse export: store", "destination", name, "error", err)
			return msg
		}
		log.Info("dimse export: stored", "destination", name, "sopInstanceUid", inst.sopInstanceUID)
	}
	msg.Status = mq.ExportStatusSuccess
	return msg
}

func (s *DimseSender) store(ctx context.Context, dst *store.DestinationAE, inst *instance) error {
	u, err := dimse.Dial(ctx, dimse.SCUConfig{
		Addr:       net.JoinHostPort(dst.HostIP, strconv.Itoa(dst.Port)),
		CalledAET:  dst.AETitle,
		CallingAET: s.cfg.AETitle,
		SOPClasses: []string{inst.sopClassUID},
		Timeout:    s.cfg.Timeout,
	})
	if err != nil {
		return err
	}
	defer u.Release()

	// No transcoding: the dataset goes out in its file transfer syntax, so
	// the peer must have accepted that syntax.
	if got := u.TransferSyntaxFor(inst.sopClassUID); got != inst.transferSyntax {
		u.Abort()
		return fmt.Errorf("export: peer negotiated transfer syntax %s, instance is %s",
			got, inst.transferSyntax)
	}
	status, err := u.Store(ctx, inst.sopClassUID, inst.sopInstanceUID, inst.dataset)
	if err != nil {
		return err
	}
	if status != dcm.StatusSuccess {
		return fmt.Errorf("export: C-STORE status 0x%04x", status)
	}
	return nil
}

// instance is a Part 10 file split into its negotiation-relevant parts.
type instance struct {
	sopClassUID    string
	sopInstanceUID string
	transferSyntax string
	dataset        []byte
}

// parseInstance splits a Part 10 file into file meta and dataset and pulls
// the UIDs needed to negotiate and issue a C-STORE.
func parseInstance(data []byte) (*instance, error) {
	meta, dataset, err := splitPart10(data)
	if err != nil {
		return nil, err
	}
	found, err := dcm.FindStrings(meta, true,
		dcm.TagMediaStorageSOPClass, dcm.TagMediaStorageSOPInst, dcm.TagTransferSyntaxUID)
	if err != nil {
		return nil, fmt.Errorf("export: read file meta: %w", err)
	}
	inst := &instance{
		sopClassUID:    found[dcm.TagMediaStorageSOPClass],
		sopInstanceUID: found[dcm.TagMediaStorageSOPInst],
		transferSyntax: found[dcm.TagTransferSyntaxUID],
		dataset:        dataset,
	}
	if inst.sopClassUID == "" || inst.sopInstanceUID == "" || inst.transferSyntax == "" {
		return nil, errors.New("export: file meta is missing SOP class, instance or transfer syntax")
	}
	return inst, nil
}

// splitPart10 separates the group 2 file meta elements from the dataset.
func splitPart10(data []byte) (meta, dataset []byte, err error) {
	const prefixEnd = 132 // 128-byte preamble plus "DICM"
	if len(data) < prefixEnd+12 || !bytes.Equal(data[128:prefixEnd], []byte("DICM")) {
		return nil, nil, errors.New("export: not a Part 10 file")
	}
	// First meta element is (0002,0000) UL group length.
	hdr := data[prefixEnd:]
	if hdr[0] != 0x02 || hdr[1] != 0x00 || hdr[2] != 0x00 || hdr[3] != 0x00 ||
		hdr[4] != 'U' || hdr[5] != 'L' {
		return nil, nil, errors.New("export: file meta group length missing")
	}
	groupLen := int(uint32(hdr[8]) | uint32(hdr[9])<<8 | uint32(hdr[10])<<16 | uint32(hdr[11])<<24)
	end := prefixEnd + 12 + groupLen
	if end > len(data) {
		return nil, nil, errors.New("export: truncated file meta")
	}
	return data[prefixEnd:end], data[end:], nil
}
