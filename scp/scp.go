// Package scp is the gateway's DICOM SCP application service: admission
// control against configured application entities, per-instance SOP-class
// filtering and grouping, and the hand-off into the shared ingest path.
// The wire protocol itself lives in the dimse package; this package is the
// Handler it calls back into.
package scp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/imgw/dcm"
	"github.com/hazyhaar/imgw/dimse"
	"github.com/hazyhaar/imgw/ingest"
	"github.com/hazyhaar/imgw/storage"
	"github.com/hazyhaar/imgw/store"
)

// Config bounds the SCP application service.
type Config struct {
	// MaxAssociations caps concurrent associations (1..1000).
	MaxAssociations int `yaml:"maxAssociations" validate:"min=1,max=1000"`
	// RejectUnknownSources requires a matching SourceAE (title and host).
	RejectUnknownSources bool `yaml:"rejectUnknownSources"`
	// VerificationDisabled refuses associations that only propose C-ECHO.
	VerificationDisabled bool `yaml:"verificationServiceDisabled"`
	Logger               *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxAssociations <= 0 {
		c.MaxAssociations = 25
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// assocState is the per-association bookkeeping between admission and the
// terminal audit record.
type assocState struct {
	info      dimse.AssociationInfo
	ae        *store.MonaiAE
	createdAt time.Time
	fileCount int
	errors    []string
}

// Service implements dimse.Handler for the gateway.
type Service struct {
	cfg    Config
	aes    *store.AERepository
	audit  *store.AssociationRepository
	space  *storage.Info
	pipe   *ingest.Pipeline
	mu     sync.Mutex
	active map[string]*assocState
}

func New(cfg Config, aes *store.AERepository, audit *store.AssociationRepository, space *storage.Info, pipe *ingest.Pipeline) *Service {
	cfg.defaults()
	return &Service{
		cfg:    cfg,
		aes:    aes,
		audit:  audit,
		space:  space,
		pipe:   pipe,
		active: make(map[string]*assocState),
	}
}

// ActiveAssociations is exposed for the health endpoint.
func (s *Service) ActiveAssociations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// OnAssociationRequest applies the admission policy in order.
func (s *Service) OnAssociationRequest(ctx context.Context, info dimse.AssociationInfo) *dimse.Reject {
	log := s.cfg.Logger.With("associationId", info.ID,
		"callingAET", info.CallingAET, "calledAET", info.CalledAET,
		"remote", info.RemoteHost)

	if s.cfg.VerificationDisabled && onlyVerification(info.ProposedSOPClasses) {
		log.Warn("scp: verification-only association refused")
		s.auditRejected(ctx, info, "verification service disabled")
		return dimse.RejectNoReason
	}

	if s.cfg.RejectUnknownSources {
		if _, err := s.aes.FindSourceAE(ctx, info.CallingAET, info.RemoteHost); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Error("scp: source lookup", "error", err)
			}
			log.Warn("scp: unknown source refused")
			s.auditRejected(ctx, info, "unknown calling AE")
			return dimse.RejectCallingAENotRecognized
		}
	}

	ae, err := s.aes.FindMonaiAEByTitle(ctx, info.CalledAET)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("scp: called AE lookup", "error", err)
		}
		log.Warn("scp: unknown called AE refused")
		s.auditRejected(ctx, info, "unknown called AE")
		return dimse.RejectCalledAENotRecognized
	}

	s.mu.Lock()
	if len(s.active) >= s.cfg.MaxAssociations {
		s.mu.Unlock()
		log.Warn("scp: association limit reached", "max", s.cfg.MaxAssociations)
		s.auditRejected(ctx, info, "association limit reached")
		return dimse.RejectLocalLimitExceeded
	}
	s.active[info.ID] = &assocState{info: info, ae: ae, createdAt: time.Now()}
	s.mu.Unlock()

	log.Info("scp: association accepted")
	return nil
}

func (s *Service) OnCEchoRequest(ctx context.Context, info dimse.AssociationInfo) {
	s.cfg.Logger.Debug("scp: echo", "associationId", info.ID, "callingAET", info.CallingAET)
}

// OnCStoreRequest runs the per-instance ingest steps and maps failures to
// DIMSE status codes.
func (s *Service) OnCStoreRequest(ctx context.Context, req *dimse.StoreRequest) uint16 {
	log := s.cfg.Logger.With("associationId", req.AssociationID,
		"sopInstanceUid", req.SOPInstanceUID)

	s.mu.Lock()
	st := s.active[req.AssociationID]
	s.mu.Unlock()
	if st == nil {
		log.Error("scp: store on unknown association")
		return dcm.StatusProcessingFailure
	}

	if !s.space.HasSpaceToStore() {
		log.Error("scp: insufficient storage")
		s.recordError(st, "insufficient storage for "+req.SOPInstanceUID)
		return dcm.StatusOutOfResources
	}

	// Filtered instances are acknowledged with a warning so the SCU can
	// tell stored from discarded.
	ae := st.ae
	if len(ae.AllowedSOPs) > 0 && !contains(ae.AllowedSOPs, req.SOPClassUID) {
		log.Warn("scp: sop class not in allowed list", "sopClassUid", req.SOPClassUID)
		return dcm.StatusElementsDiscarded
	}
	if len(ae.IgnoredSOPs) > 0 && contains(ae.IgnoredSOPs, req.SOPClassUID) {
		log.Debug("scp: sop class ignored", "sopClassUid", req.SOPClassUID)
		return dcm.StatusElementsDiscarded
	}

	status, err := s.ingestInstance(ctx, st, req)
	if err != nil {
		log.Error("scp: store failed", "error", err)
		s.recordError(st, err.Error())
		return status
	}
	s.mu.Lock()
	st.fileCount++
	s.mu.Unlock()
	return dcm.StatusSuccess
}

func (s *Service) ingestInstance(ctx context.Context, st *assocState, req *dimse.StoreRequest) (uint16, error) {
	explicitVR := req.TransferSyntaxUID != dcm.ImplicitVRLittleEndian
	groupTag, err := dcm.ParseTag(st.ae.Grouping)
	if err != nil {
		return dcm.StatusProcessingFailure, fmt.Errorf("scp: grouping tag: %w", err)
	}
	tags, err := dcm.FindStrings(req.Data, explicitVR,
		dcm.TagStudyInstanceUID, dcm.TagSeriesInstanceUID, groupTag)
	if err != nil {
		return dcm.StatusCannotUnderstand, fmt.Errorf("scp: scan dataset: %w", err)
	}

	groupValue := tags[groupTag]
	if groupValue == "" {
		// No grouping value in the instance; fall back to the association
		// so the instance still travels in some payload.
		groupValue = req.AssociationID
	}

	m := &store.FileMetadata{
		CorrelationID:  req.AssociationID,
		Identifier:     req.SOPInstanceUID + ".dcm",
		StudyUID:       tags[dcm.TagStudyInstanceUID],
		SeriesUID:      tags[dcm.TagSeriesInstanceUID],
		SOPInstanceUID: req.SOPInstanceUID,
		Source:         req.CallingAET,
		Destination:    req.CalledAET,
		Service:        store.ServiceDIMSE,
		Workflows:      st.ae.Workflows,
		File:           store.FileRef{ContentType: "application/dicom"},
		CreatedAt:      time.Now(),
	}

	// Wrap the negotiated-syntax dataset into a Part 10 file so the object
	// store holds complete DICOM files.
	var buf bytes.Buffer
	if err := dcm.WriteFileMeta(&buf, req.SOPClassUID, req.SOPInstanceUID, req.TransferSyntaxUID); err != nil {
		return dcm.StatusProcessingFailure, fmt.Errorf("scp: file meta: %w", err)
	}
	buf.Write(req.Data)

	sidecar, err := dicomJSONSidecar(req, tags)
	if err != nil {
		return dcm.StatusProcessingFailure, err
	}

	_, err = s.pipe.Process(ctx, ingest.Object{
		Metadata:   m,
		Data:       buf.Bytes(),
		JSON:       sidecar,
		GroupKey:   req.CalledAET + "/" + groupValue,
		DataOrigin: req.CallingAET,
		Timeout:    time.Duration(st.ae.TimeoutSeconds) * time.Second,
		PlugIns:    st.ae.PlugIns,
	})
	if err != nil {
		return dcm.StatusProcessingFailure, fmt.Errorf("scp: ingest: %w", err)
	}
	return dcm.StatusSuccess, nil
}

func (s *Service) OnAssociationRelease(ctx context.Context, info dimse.AssociationInfo) {
	s.finish(ctx, info.ID, "")
}

func (s *Service) OnAssociationAbort(info dimse.AssociationInfo, source, reason byte) {
	s.finish(context.Background(), info.ID,
		fmt.Sprintf("aborted (source %d, reason %d)", source, reason))
}

// finish writes the terminal audit record and frees the association slot.
func (s *Service) finish(ctx context.Context, id, abortErr string) {
	s.mu.Lock()
	st := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()
	if st == nil {
		return
	}
	if abortErr != "" {
		st.errors = append(st.errors, abortErr)
	}
	rec := &store.AssociationRecord{
		ID:             id,
		CorrelationID:  id,
		CallingAET:     st.info.CallingAET,
		CalledAET:      st.info.CalledAET,
		RemoteHost:     st.info.RemoteHost,
		RemotePort:     st.info.RemotePort,
		FileCount:      st.fileCount,
		Errors:         st.errors,
		CreatedAt:      st.createdAt,
		DisconnectedAt: time.Now(),
	}
	if err := s.audit.Add(ctx, rec); err != nil {
		s.cfg.Logger.Error("scp: audit record", "associationId", id, "error", err)
	}
	s.cfg.Logger.Info("scp: association closed",
		"associationId", id, "files", st.fileCount, "errors", len(st.errors))
}

func (s *Service) auditRejected(ctx context.Context, info dimse.AssociationInfo, reason string) {
	now := time.Now()
	err := s.audit.Add(ctx, &store.AssociationRecord{
		ID:             info.ID,
		CorrelationID:  info.ID,
		CallingAET:     info.CallingAET,
		CalledAET:      info.CalledAET,
		RemoteHost:     info.RemoteHost,
		RemotePort:     info.RemotePort,
		Errors:         []string{"rejected: " + reason},
		CreatedAt:      now,
		DisconnectedAt: now,
	})
	if err != nil {
		s.cfg.Logger.Error("scp: audit record", "associationId", info.ID, "error", err)
	}
}

func (s *Service) recordError(st *assocState, msg string) {
	s.mu.Lock()
	st.errors = append(st.errors, msg)
	s.mu.Unlock()
}

func onlyVerification(sopClasses []string) bool {
	if len(sopClasses) == 0 {
		return false
	}
	for _, uid := range sopClasses {
		if uid != dcm.VerificationSOPClass {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if strings.TrimSpace(x) == v {
			return true
		}
	}
	return false
}

// dicomJSONSidecar renders the identifying tags in DICOM-JSON form
// (PS3.18 F.2) for downstream consumers that cannot parse binary DICOM.
func dicomJSONSidecar(req *dimse.StoreRequest, tags map[dcm.Tag]string) ([]byte, error) {
	type attr struct {
		VR    string   `json:"vr"`
		Value []string `json:"Value,omitempty"`
	}
	doc := map[string]attr{
		dcm.TagSOPClassUID.JSONKey():    {VR: "UI", Value: []string{req.SOPClassUID}},
		dcm.TagSOPInstanceUID.JSONKey(): {VR: "UI", Value: []string{req.SOPInstanceUID}},
	}
	if v := tags[dcm.TagStudyInstanceUID]; v != "" {
		doc[dcm.TagStudyInstanceUID.JSONKey()] = attr{VR: "UI", Value: []string{v}}
	}
	if v := tags[dcm.TagSeriesInstanceUID]; v != "" {
		doc[dcm.TagSeriesInstanceUID.JSONKey()] = attr{VR: "UI", Value: []string{v}}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("scp: sidecar: %w", err)
	}
	return b, nil
}
