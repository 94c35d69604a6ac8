// Package stow is the DICOMweb STOW-RS ingress: multipart/related uploads
// of application/dicom parts, per-part success or failure accounting, and a
// DICOM-JSON response dataset, feeding the same ingest path as the SCP.
package stow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/hazyhaar/imgw/dcm"
	"github.com/hazyhaar/imgw/ingest"
	"github.com/hazyhaar/imgw/storage"
	"github.com/hazyhaar/imgw/store"
)

// Config bounds the STOW-RS service.
type Config struct {
	// Timeout is the assembler grouping window for STOW payloads.
	TimeoutSeconds int `yaml:"timeoutSeconds" validate:"min=1"`
	// MaxBodyBytes caps one request body.
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
	Logger       *slog.Logger
}

func (c *Config) defaults() {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 5
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 2 << 30
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Service handles STOW-RS requests.
type Service struct {
	cfg   Config
	aes   *store.AERepository
	space *storage.Info
	pipe  *ingest.Pipeline
}

func New(cfg Config, aes *store.AERepository, space *storage.Info, pipe *ingest.Pipeline) *Service {
	cfg.defaults()
	return &Service{cfg: cfg, aes: aes, space: space, pipe: pipe}
}

// Routes mounts the STOW-RS endpoints on a chi router.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/studies", s.handle)
	r.Post("/studies/{studyUID}", s.handle)
	r.Post("/{workflow}/studies", s.handle)
	r.Post("/{workflow}/studies/{studyUID}", s.handle)
	return r
}

// part is the per-part outcome feeding the response dataset.
type partResult struct {
	sopClassUID    string
	sopInstanceUID string
	failureReason  uint16 // zero means stored
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	workflow := chi.URLParam(r, "workflow")
	studyUID := chi.URLParam(r, "studyUID")
	correlationID := uuid.NewString()
	log := s.cfg.Logger.With("correlationId", correlationID, "workflow", workflow)

	if !s.space.HasSpaceToStore() {
		log.Error("stow: insufficient storage")
		http.Error(w, "insufficient storage", http.StatusInsufficientStorage)
		return
	}

	workflows, plugIns, err := s.resolveWorkflow(r.Context(), workflow)
	if err != nil {
		log.Warn("stow: unknown workflow endpoint", "error", err)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	mr, err := multipartReader(r, s.cfg.MaxBodyBytes)
	if err != nil {
		log.Warn("stow: bad request", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var results []partResult
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn("stow: multipart read", "error", err)
			http.Error(w, "malformed multipart body", http.StatusBadRequest)
			return
		}
		res := s.storePart(r.Context(), p, correlationID, studyUID, workflows, plugIns)
		p.Close()
		results = append(results, res)
	}

	if len(results) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.respond(w, results, log)
}

// resolveWorkflow maps the optional URL segment to workflows and plug-ins:
// a configured Virtual AE wins, otherwise the segment itself is the
// workflow name.
func (s *Service) resolveWorkflow(ctx context.Context, workflow string) ([]string, []string, error) {
	if workflow == "" {
		return nil, nil, nil
	}
	vae, err := s.aes.GetVirtualAE(ctx, workflow)
	if errors.Is(err, store.ErrNotFound) {
		return []string{workflow}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("stow: virtual AE lookup: %w", err)
	}
	return vae.Workflows, vae.PlugIns, nil
}

func multipartReader(r *http.Request, maxBytes int64) (*multipart.Reader, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("stow: content type: %w", err)
	}
	if mediaType != "multipart/related" {
		return nil, fmt.Errorf("stow: unsupported media type %q", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, errors.New("stow: missing multipart boundary")
	}
	return multipart.NewReader(http.MaxBytesReader(nil, r.Body, maxBytes), boundary), nil
}

// storePart parses and ingests one application/dicom part.
func (s *Service) storePart(ctx context.Context, p *multipart.Part, correlationID, studyUID string, workflows, plugIns []string) partResult {
	log := s.cfg.Logger.With("correlationId", correlationID)

	ct := p.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/dicom") {
		log.Warn("stow: part content type refused", "contentType", ct)
		return partResult{failureReason: dcm.StatusCannotUnderstand}
	}
	body, err := io.ReadAll(p)
	if err != nil {
		log.Warn("stow: part read", "error", err)
		return partResult{failureReason: dcm.StatusCannotUnderstand}
	}

	ds, err := dicom.Parse(bytes.NewReader(body), int64(len(body)), nil)
	if err != nil {
		log.Warn("stow: parse", "error", err)
		return partResult{failureReason: dcm.StatusCannotUnderstand}
	}

	sopClass := firstString(&ds, tag.SOPClassUID)
	sopInstance := firstString(&ds, tag.SOPInstanceUID)
	study := firstString(&ds, tag.StudyInstanceUID)
	series := firstString(&ds, tag.SeriesInstanceUID)
	res := partResult{sopClassUID: sopClass, sopInstanceUID: sopInstance}

	if sopClass == "" || sopInstance == "" || study == "" {
		res.failureReason = dcm.StatusCannotUnderstand
		return res
	}
	if studyUID != "" && study != studyUID {
		log.Warn("stow: study mismatch", "urlStudy", studyUID, "instanceStudy", study)
		res.failureReason = dcm.StatusDataSetMismatch
		return res
	}

	sidecar, err := json.Marshal(ds)
	if err != nil {
		sidecar = nil
	}

	m := &store.FileMetadata{
		CorrelationID:  correlationID,
		Identifier:     sopInstance + ".dcm",
		StudyUID:       study,
		SeriesUID:      series,
		SOPInstanceUID: sopInstance,
		Source:         "DicomWeb",
		Service:        store.ServiceDicomWeb,
		Workflows:      workflows,
		File:           store.FileRef{ContentType: "application/dicom"},
		CreatedAt:      time.Now(),
	}
	_, err = s.pipe.Process(ctx, ingest.Object{
		Metadata:   m,
		Data:       body,
		JSON:       sidecar,
		// Payloads are per-study rather than per-request: parts for the
		// same study coalesce across posts, different studies never mix.
		GroupKey:   "stow/" + study,
		DataOrigin: "DicomWeb",
		Timeout:    time.Duration(s.cfg.TimeoutSeconds) * time.Second,
		PlugIns:    plugIns,
	})
	if err != nil {
		log.Error("stow: ingest", "sopInstanceUid", sopInstance, "error", err)
		res.failureReason = dcm.StatusProcessingFailure
	}
	return res
}

// respond writes the DICOM-JSON result dataset with ReferencedSOPSequence
// and FailedSOPSequence. 200 when all parts stored, 202 on a partial
// result, 409 when everything failed.
func (s *Service) respond(w http.ResponseWriter, results []partResult, log *slog.Logger) {
	type attr struct {
		VR    string `json:"vr"`
		Value []any  `json:"Value,omitempty"`
	}
	item := func(r partResult) map[string]attr {
		it := map[string]attr{
			dcm.TagReferencedSOPClass.JSONKey():    {VR: "UI", Value: []any{r.sopClassUID}},
			dcm.TagReferencedSOPInstance.JSONKey(): {VR: "UI", Value: []any{r.sopInstanceUID}},
		}
		if r.failureReason != 0 {
			it[dcm.TagFailureReason.JSONKey()] = attr{VR: "US", Value: []any{int(r.failureReason)}}
		}
		return it
	}

	var stored, failed []any
	for _, r := range results {
		if r.failureReason == 0 {
			stored = append(stored, item(r))
		} else {
			failed = append(failed, item(r))
		}
	}
	doc := map[string]attr{}
	if len(stored) > 0 {
		doc[dcm.TagReferencedSOPSequence.JSONKey()] = attr{VR: "SQ", Value: stored}
	}
	if len(failed) > 0 {
		doc[dcm.TagFailedSOPSequence.JSONKey()] = attr{VR: "SQ", Value: failed}
	}

	status := http.StatusOK
	switch {
	case len(stored) == 0:
		status = http.StatusConflict
	case len(failed) > 0:
		status = http.StatusAccepted
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		log.Error("stow: write response", "error", err)
	}
}

func firstString(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return ""
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return ""
	}
	return strings.TrimRight(vals[0], "\x00 ")
}
