// Package api is the admin plane: configuration CRUD for the four
// application entity flavors, the inference request endpoints, and the
// health surface. Errors go out as RFC 7807 problem documents.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/imgw/store"
)

// StatusReporter exposes per-component states for the health endpoints.
type StatusReporter interface {
	Statuses() map[string]string
}

// Config bounds the admin plane.
type Config struct {
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Service serves the admin API.
type Service struct {
	cfg    Config
	aes    *store.AERepository
	inf    *store.InferenceRepository
	status StatusReporter
	// ActiveAssociations reports open DIMSE associations; nil means zero.
	active func() int
}

func New(cfg Config, aes *store.AERepository, inf *store.InferenceRepository,
	status StatusReporter, active func() int) *Service {
	cfg.defaults()
	return &Service{cfg: cfg, aes: aes, inf: inf, status: status, active: active}
}

// Routes mounts every admin endpoint.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/config/ae", func(r chi.Router) {
		r.Get("/", s.listMonaiAEs)
		r.Post("/", s.addMonaiAE)
		r.Put("/", s.updateMonaiAE)
		r.Get("/{name}", s.getMonaiAE)
		r.Delete("/{name}", s.deleteMonaiAE)
	})
	r.Route("/config/source", func(r chi.Router) {
		r.Get("/", s.listSourceAEs)
		r.Post("/", s.addSourceAE)
		r.Delete("/{name}", s.deleteSourceAE)
	})
	r.Route("/config/destination", func(r chi.Router) {
		r.Get("/", s.listDestinationAEs)
		r.Post("/", s.addDestinationAE)
		r.Put("/", s.updateDestinationAE)
		r.Get("/{name}", s.getDestinationAE)
		r.Delete("/{name}", s.deleteDestinationAE)
	})
	r.Route("/config/vae", func(r chi.Router) {
		r.Get("/", s.listVirtualAEs)
		r.Post("/", s.addVirtualAE)
		r.Get("/{name}", s.getVirtualAE)
		r.Delete("/{name}", s.deleteVirtualAE)
	})

	r.Post("/inference", s.addInference)
	r.Get("/inference/status/{transactionId}", s.inferenceStatus)

	r.Get("/health/status", s.healthStatus)
	r.Get("/health/ready", s.healthReady)
	return r
}

// fail maps repository errors onto problem documents.
func (s *Service) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error())
	case strings.Contains(err.Error(), "UNIQUE constraint"):
		writeProblem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// monaiAE is the wire shape of a local SCP target.
type monaiAE struct {
	Name           string   `json:"name"`
	AETitle        string   `json:"aeTitle"`
	Grouping       string   `json:"grouping,omitempty"`
	TimeoutSeconds int      `json:"timeout,omitempty"`
	Workflows      []string `json:"workflows,omitempty"`
	AllowedSOPs    []string `json:"allowedSopClasses,omitempty"`
	IgnoredSOPs    []string `json:"ignoredSopClasses,omitempty"`
	PlugIns        []string `json:"plugInAssemblies,omitempty"`
	CreatedBy      string   `json:"createdBy,omitempty"`
	UpdatedBy      string   `json:"updatedBy,omitempty"`
}

func (m *monaiAE) toStore() *store.MonaiAE {
	return &store.MonaiAE{
		Name: m.Name, AETitle: m.AETitle, Grouping: m.Grouping,
		TimeoutSeconds: m.TimeoutSeconds, Workflows: m.Workflows,
		AllowedSOPs: m.AllowedSOPs, IgnoredSOPs: m.IgnoredSOPs,
		PlugIns: m.PlugIns, CreatedBy: m.CreatedBy, UpdatedBy: m.UpdatedBy,
	}
}

func fromStoreMonai(ae *store.MonaiAE) monaiAE {
	return monaiAE{
		Name: ae.Name, AETitle: ae.AETitle, Grouping: ae.Grouping,
		TimeoutSeconds: ae.TimeoutSeconds, Workflows: ae.Workflows,
		AllowedSOPs: ae.AllowedSOPs, IgnoredSOPs: ae.IgnoredSOPs,
		PlugIns: ae.PlugIns, CreatedBy: ae.CreatedBy, UpdatedBy: ae.UpdatedBy,
	}
}

func (s *Service) listMonaiAEs(w http.ResponseWriter, r *http.Request) {
	aes, err := s.aes.ListMonaiAEs(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]monaiAE, 0, len(aes))
	for _, ae := range aes {
		out = append(out, fromStoreMonai(ae))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) addMonaiAE(w http.ResponseWriter, r *http.Request) {
	var in monaiAE
	if !decode(w, r, &in) {
		return
	}
	ae := in.toStore()
	if err := s.aes.AddMonaiAE(r.Context(), ae); err != nil {
		if ae.Validate() != nil {
			writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error())
			return
		}
		s.fail(w, err)
		return
	}
	s.cfg.Logger.Info("api: monai ae added", "name", ae.Name, "aeTitle", ae.AETitle)
	writeJSON(w, http.StatusCreated, fromStoreMonai(ae))
}

func (s *Service) updateMonaiAE(w http.ResponseWriter, r *http.Request) {
	var in monaiAE
	if !decode(w, r, &in) {
		return
	}
	ae := in.toStore()
	if err := s.aes.UpdateMonaiAE(r.Context(), ae); err != nil {
		if ae.Validate() != nil {
			writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error())
			return
		}
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fromStoreMonai(ae))
}

func (s *Service) getMonaiAE(w http.ResponseWriter, r *http.Request) {
	ae, err := s.aes.GetMonaiAE(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fromStoreMonai(ae))
}

func (s *Service) deleteMonaiAE(w http.ResponseWriter, r *http.Request) {
	if err := s.aes.DeleteMonaiAE(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sourceAE is the wire shape of a trusted calling peer.
type sourceAE struct {
	Name    string `json:"name"`
	AETitle string `json:"aeTitle"`
	HostIP  string `json:"hostIp"`
}

func (s *Service) listSourceAEs(w http.ResponseWriter, r *http.Request) {
	aes, err := s.aes.ListSourceAEs(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]sourceAE, 0, len(aes))
	for _, ae := range aes {
		out = append(out, sourceAE{Name: ae.Name, AETitle: ae.AETitle, HostIP: ae.HostIP})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) addSourceAE(w http.ResponseWriter, r *http.Request) {
	var in sourceAE
	if !decode(w, r, &in) {
		return
	}
	ae := &store.SourceAE{Name: in.Name, AETitle: in.AETitle, HostIP: in.HostIP}
	if err := s.aes.AddSourceAE(r.Context(), ae); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sourceAE{Name: ae.Name, AETitle: ae.AETitle, HostIP: ae.HostIP})
}

func (s *Service) deleteSourceAE(w http.ResponseWriter, r *http.Request) {
	if err := s.aes.DeleteSourceAE(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// destinationAE is the wire shape of a remote DIMSE export target.
type destinationAE struct {
	Name    string `json:"name"`
	AETitle string `json:"aeTitle"`
	HostIP  string `json:"hostIp"`
	Port    int    `json:"port"`
}

func (s *Service) listDestinationAEs(w http.ResponseWriter, r *http.Request) {
	aes, err := s.aes.ListDestinationAEs(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]destinationAE, 0, len(aes))
	for _, ae := range aes {
		out = append(out, destinationAE{Name: ae.Name, AETitle: ae.AETitle, HostIP: ae.HostIP, Port: ae.Port})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) addDestinationAE(w http.ResponseWriter, r *http.Request) {
	var in destinationAE
	if !decode(w, r, &in) {
		return
	}
	ae := &store.DestinationAE{Name: in.Name, AETitle: in.AETitle, HostIP: in.HostIP, Port: in.Port}
	if err := s.aes.AddDestinationAE(r.Context(), ae); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, destinationAE{Name: ae.Name, AETitle: ae.AETitle, HostIP: ae.HostIP, Port: ae.Port})
}

func (s *Service) updateDestinationAE(w http.ResponseWriter, r *http.Request) {
	var in destinationAE
	if !decode(w, r, &in) {
		return
	}
	ae := &store.DestinationAE{Name: in.Name, AETitle: in.AETitle, HostIP: in.HostIP, Port: in.Port}
	if err := s.aes.UpdateDestinationAE(r.Context(), ae); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.fail(w, err)
			return
		}
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Service) getDestinationAE(w http.ResponseWriter, r *http.Request) {
	ae, err := s.aes.GetDestinationAE(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, destinationAE{Name: ae.Name, AETitle: ae.AETitle, HostIP: ae.HostIP, Port: ae.Port})
}

func (s *Service) deleteDestinationAE(w http.ResponseWriter, r *http.Request) {
	if err := s.aes.DeleteDestinationAE(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// virtualAE is the wire shape of a DICOMweb ingress endpoint.
type virtualAE struct {
	Name      string   `json:"name"`
	Workflows []string `json:"workflows,omitempty"`
	PlugIns   []string `json:"plugInAssemblies,omitempty"`
}

func (s *Service) listVirtualAEs(w http.ResponseWriter, r *http.Request) {
	aes, err := s.aes.ListVirtualAEs(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]virtualAE, 0, len(aes))
	for _, ae := range aes {
		out = append(out, virtualAE{Name: ae.Name, Workflows: ae.Workflows, PlugIns: ae.PlugIns})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) addVirtualAE(w http.ResponseWriter, r *http.Request) {
	var in virtualAE
	if !decode(w, r, &in) {
		return
	}
	ae := &store.VirtualAE{Name: in.Name, Workflows: in.Workflows, PlugIns: in.PlugIns}
	if err := s.aes.AddVirtualAE(r.Context(), ae); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, virtualAE{Name: ae.Name, Workflows: ae.Workflows, PlugIns: ae.PlugIns})
}

func (s *Service) getVirtualAE(w http.ResponseWriter, r *http.Request) {
	ae, err := s.aes.GetVirtualAE(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, virtualAE{Name: ae.Name, Workflows: ae.Workflows, PlugIns: ae.PlugIns})
}

func (s *Service) deleteVirtualAE(w http.ResponseWriter, r *http.Request) {
	if err := s.aes.DeleteVirtualAE(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// inferenceRequest is the wire shape of a processing job submission.
type inferenceRequest struct {
	TransactionID   string            `json:"transactionId"`
	Priority        int               `json:"priority,omitempty"`
	InputResources  []store.Resource  `json:"inputResources"`
	OutputResources []store.Resource  `json:"outputResources,omitempty"`
	InputMetadata   map[string]string `json:"inputMetadata,omitempty"`
}

func (s *Service) addInference(w http.ResponseWriter, r *http.Request) {
	var in inferenceRequest
	if !decode(w, r, &in) {
		return
	}
	exists, err := s.inf.Exists(r.Context(), in.TransactionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if exists {
		writeProblem(w, http.StatusConflict, "Conflict",
			"transaction id "+in.TransactionID+" already exists")
		return
	}
	req := &store.InferenceRequest{
		TransactionID:   in.TransactionID,
		Priority:        in.Priority,
		InputResources:  in.InputResources,
		OutputResources: in.OutputResources,
		InputMetadata:   in.InputMetadata,
	}
	if err := s.inf.Add(r.Context(), req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	s.cfg.Logger.Info("api: inference request accepted", "transactionId", req.TransactionID)
	writeJSON(w, http.StatusCreated, map[string]string{"transactionId": req.TransactionID})
}

func (s *Service) inferenceStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.inf.GetStatus(r.Context(), chi.URLParam(r, "transactionId"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// healthStatus reports per-component states plus the open DIMSE
// association count.
func (s *Service) healthStatus(w http.ResponseWriter, r *http.Request) {
	out := struct {
		ActiveDimseConnections int               `json:"activeDimseConnections"`
		Services               map[string]string `json:"services"`
		Timestamp              time.Time         `json:"timestamp"`
	}{
		Services:  map[string]string{},
		Timestamp: time.Now(),
	}
	if s.active != nil {
		out.ActiveDimseConnections = s.active()
	}
	if s.status != nil {
		out.Services = s.status.Statuses()
	}
	writeJSON(w, http.StatusOK, out)
}

// healthReady is the liveness gate: Unhealthy unless every component runs.
func (s *Service) healthReady(w http.ResponseWriter, r *http.Request) {
	if s.status != nil {
		for name, st := range s.status.Statuses() {
			if st != "Running" {
				s.cfg.Logger.Warn("api: component not ready", "component", name, "status", st)
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("Unhealthy"))
				return
			}
		}
	}
	w.Write([]byte("Healthy"))
}
