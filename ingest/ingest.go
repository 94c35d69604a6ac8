// Package ingest is the post-processing path shared by every ingress
// service: run the input plug-in chain, buffer the bytes (and an optional
// DICOM-JSON sidecar), persist the metadata row, enqueue the upload, and
// hand the instance to the payload assembler.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/imgw/assembler"
	"github.com/hazyhaar/imgw/plugin"
	"github.com/hazyhaar/imgw/storage"
	"github.com/hazyhaar/imgw/store"
	"github.com/hazyhaar/imgw/uploader"
)

// Object is one received instance plus its routing parameters.
type Object struct {
	Metadata *store.FileMetadata
	Data     []byte
	JSON     []byte // optional DICOM-JSON sidecar
	// GroupKey coalesces instances into payloads; the ingress service
	// chooses it (grouping-tag value for DICOM, correlation id otherwise).
	GroupKey   string
	DataOrigin string
	Timeout    time.Duration
	PlugIns    []string
}

// Pipeline wires the shared stages together.
type Pipeline struct {
	temp     storage.TempStore
	metadata *store.MetadataRepository
	uploads  *uploader.Service
	asm      *assembler.Service
	log      *slog.Logger
}

func NewPipeline(temp storage.TempStore, metadata *store.MetadataRepository, uploads *uploader.Service, asm *assembler.Service, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{temp: temp, metadata: metadata, uploads: uploads, asm: asm, log: log}
}

// Process runs one object through the shared path and returns the payload
// id it was grouped into.
func (p *Pipeline) Process(ctx context.Context, obj Object) (string, error) {
	m := obj.Metadata
	data := obj.Data

	chain, err := plugin.ResolveInputs(obj.PlugIns)
	if err != nil {
		return "", err
	}
	data, m, err = chain.Execute(ctx, data, m)
	if err != nil {
		return "", err
	}

	m.File.TemporaryPath = m.CorrelationID + "/" + m.Identifier
	if err := p.writeTemp(m.File.TemporaryPath, data); err != nil {
		return "", err
	}
	if len(obj.JSON) > 0 {
		m.JSONFile = &store.FileRef{
			TemporaryPath: m.File.TemporaryPath + ".json",
			ContentType:   "application/json",
		}
		if err := p.writeTemp(m.JSONFile.TemporaryPath, obj.JSON); err != nil {
			return "", err
		}
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if err := p.metadata.Add(ctx, m); err != nil {
		return "", err
	}
	if err := p.uploads.Enqueue(ctx, m); err != nil {
		return "", err
	}
	payloadID, err := p.asm.Queue(ctx, obj.GroupKey, m, obj.DataOrigin, obj.Timeout)
	if err != nil {
		return "", err
	}
	p.log.Debug("ingest: accepted",
		"correlationId", m.CorrelationID, "identifier", m.Identifier,
		"payloadId", payloadID, "service", m.Service)
	return payloadID, nil
}

func (p *Pipeline) writeTemp(key string, data []byte) error {
	w, err := p.temp.Create(key)
	if err != nil {
		return fmt.Errorf("ingest: temp create %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("ingest: temp write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("ingest: temp close %s: %w", key, err)
	}
	return nil
}
