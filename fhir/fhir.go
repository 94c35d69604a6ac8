// Package fhir is the FHIR resource ingress: JSON (or XML passed through
// opaquely) resources POSTed per type, persisted through the shared ingest
// path and grouped by request correlation id.
package fhir

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hazyhaar/imgw/ingest"
	"github.com/hazyhaar/imgw/storage"
	"github.com/hazyhaar/imgw/store"
)

// Config bounds the FHIR ingress.
type Config struct {
	// TimeoutSeconds is the assembler grouping window for FHIR payloads.
	TimeoutSeconds int `yaml:"timeoutSeconds" validate:"min=1"`
	MaxBodyBytes   int64 `yaml:"maxBodyBytes"`
	Logger         *slog.Logger
}

func (c *Config) defaults() {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 5
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 32 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Service handles FHIR resource POSTs.
type Service struct {
	cfg   Config
	space *storage.Info
	pipe  *ingest.Pipeline
}

func New(cfg Config, space *storage.Info, pipe *ingest.Pipeline) *Service {
	cfg.defaults()
	return &Service{cfg: cfg, space: space, pipe: pipe}
}

// Routes mounts the FHIR endpoint on a chi router.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{resourceType}", s.handle)
	return r
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "resourceType")
	correlationID := uuid.NewString()
	log := s.cfg.Logger.With("correlationId", correlationID, "resourceType", resourceType)

	if !s.space.HasSpaceToStore() {
		log.Error("fhir: insufficient storage")
		http.Error(w, "insufficient storage", http.StatusInsufficientStorage)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	contentType := r.Header.Get("Content-Type")
	resourceID := ""
	if strings.Contains(contentType, "json") || contentType == "" {
		var res struct {
			ResourceType string `json:"resourceType"`
			ID           string `json:"id"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			log.Warn("fhir: bad json", "error", err)
			http.Error(w, "malformed resource", http.StatusBadRequest)
			return
		}
		if res.ResourceType != "" && res.ResourceType != resourceType {
			http.Error(w, fmt.Sprintf("resource type %q does not match URL", res.ResourceType),
				http.StatusBadRequest)
			return
		}
		resourceID = res.ID
		contentType = "application/fhir+json"
	}
	if resourceID == "" {
		resourceID = uuid.NewString()
	}

	m := &store.FileMetadata{
		CorrelationID: correlationID,
		Identifier:    resourceType + "-" + resourceID,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		Source:        "Fhir",
		Service:       store.ServiceFhir,
		File:          store.FileRef{ContentType: contentType},
		CreatedAt:     time.Now(),
	}
	_, err = s.pipe.Process(r.Context(), ingest.Object{
		Metadata:   m,
		Data:       body,
		GroupKey:   correlationID,
		DataOrigin: "Fhir",
		Timeout:    time.Duration(s.cfg.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		log.Error("fhir: ingest", "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	log.Info("fhir: resource accepted", "resourceId", resourceID)

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusCreated)
	w.Write(body)
}
