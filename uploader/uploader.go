// Package uploader moves locally buffered objects into the object store's
// temporary bucket: a blocking FIFO queue seeded from not-yet-uploaded
// metadata rows, drained by a bounded pool of workers with per-object
// retry.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/imgw/storage"
	"github.com/hazyhaar/imgw/store"
)

// Config bounds the upload pipeline.
type Config struct {
	// ConcurrentUploads is the worker count (1..128).
	ConcurrentUploads int `yaml:"concurrentUploads" validate:"min=1,max=128"`
	// TemporaryBucket receives objects before payload assembly moves them.
	TemporaryBucket string `yaml:"temporaryBucketName" validate:"required"`
	// RetryDelays is the backoff schedule; its length caps the retries.
	RetryDelays []time.Duration `yaml:"retryDelays"`
	// PurgePendingOnStart drops not-yet-uploaded rows before seeding. Their
	// temp buffers did not survive the previous process, so the rows cannot
	// be satisfied; the sender re-transmits on the next association.
	PurgePendingOnStart bool `yaml:"purgePendingOnStart"`
	Logger              *slog.Logger
}

func (c *Config) defaults() {
	if c.ConcurrentUploads <= 0 {
		c.ConcurrentUploads = 4
	}
	if c.TemporaryBucket == "" {
		c.TemporaryBucket = "imgw-temp"
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Uploaded is the notification sent after a metadata row flips state, so
// the assembler can re-check its buckets without polling the database hard.
type Uploaded struct {
	CorrelationID string
	Identifier    string
	Failed        bool
}

// Service is the upload pipeline.
type Service struct {
	cfg   Config
	objs  storage.ObjectStore
	temp  storage.TempStore
	repo  *store.MetadataRepository
	queue chan *store.FileMetadata

	mu       sync.Mutex
	notifyFn func(Uploaded)
}

func New(cfg Config, objs storage.ObjectStore, temp storage.TempStore, repo *store.MetadataRepository) *Service {
	cfg.defaults()
	return &Service{
		cfg:   cfg,
		objs:  objs,
		temp:  temp,
		repo:  repo,
		queue: make(chan *store.FileMetadata, cfg.ConcurrentUploads),
	}
}

// Notify registers the single listener for upload outcomes.
func (s *Service) Notify(fn func(Uploaded)) {
	s.mu.Lock()
	s.notifyFn = fn
	s.mu.Unlock()
}

func (s *Service) notify(u Uploaded) {
	s.mu.Lock()
	fn := s.notifyFn
	s.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

// Enqueue hands one metadata record to the pipeline. Blocks when the queue
// is full, pushing back-pressure up to the ingress layer.
func (s *Service) Enqueue(ctx context.Context, m *store.FileMetadata) error {
	select {
	case s.queue <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run purges or seeds pending rows, then drains the queue with a bounded
// worker pool until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.PurgePendingOnStart {
		n, err := s.repo.DeletePending(ctx)
		if err != nil {
			return fmt.Errorf("uploader: purge pending: %w", err)
		}
		if n > 0 {
			s.cfg.Logger.Info("uploader: purged stale pending uploads", "count", n)
		}
	} else if err := s.seed(ctx); err != nil {
		return err
	}

	sem := make(chan struct{}, s.cfg.ConcurrentUploads)
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case m := <-s.queue:
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				s.process(ctx, m)
			}()
		}
	}
}

func (s *Service) seed(ctx context.Context) error {
	for {
		batch, err := s.repo.PendingUploads(ctx, cap(s.queue))
		if err != nil {
			return fmt.Errorf("uploader: seed: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		for _, m := range batch {
			if err := s.Enqueue(ctx, m); err != nil {
				return err
			}
		}
		if len(batch) < cap(s.queue) {
			return nil
		}
	}
}

func (s *Service) process(ctx context.Context, m *store.FileMetadata) {
	log := s.cfg.Logger.With("correlationId", m.CorrelationID, "identifier", m.Identifier)

	var jsonRemote string
	if m.JSONFile != nil && m.JSONFile.TemporaryPath != "" {
		// Sidecar goes first so a primary object never appears without it.
		jsonRemote = path.Join(m.CorrelationID, m.Identifier+".json")
		if err := s.uploadOne(ctx, m, m.JSONFile.TemporaryPath, jsonRemote, m.JSONFile.ContentType); err != nil {
			s.fail(ctx, m, log, err)
			return
		}
	}

	remote := path.Join(m.CorrelationID, m.Identifier)
	if err := s.uploadOne(ctx, m, m.File.TemporaryPath, remote, m.File.ContentType); err != nil {
		s.fail(ctx, m, log, err)
		return
	}

	if err := s.repo.MarkUploaded(ctx, m.CorrelationID, m.Identifier, remote, jsonRemote); err != nil {
		log.Error("uploader: mark uploaded", "error", err)
		return
	}
	s.cleanupTemp(m)
	log.Debug("uploader: uploaded", "remote", remote)
	s.notify(Uploaded{CorrelationID: m.CorrelationID, Identifier: m.Identifier})
}

// uploadOne streams one buffer with the configured backoff schedule.
func (s *Service) uploadOne(ctx context.Context, m *store.FileMetadata, tempKey, remoteKey, contentType string) error {
	meta := map[string]string{"Source": m.Source}
	if len(m.Workflows) > 0 {
		meta["Workflows"] = strings.Join(m.Workflows, ",")
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		rc, size, err := s.temp.Open(tempKey)
		if err != nil {
			return fmt.Errorf("uploader: open temp %s: %w", tempKey, err)
		}
		err = s.objs.Put(ctx, s.cfg.TemporaryBucket, remoteKey, rc, size, contentType, meta)
		rc.Close()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= len(s.cfg.RetryDelays) {
			return lastErr
		}
		s.cfg.Logger.Warn("uploader: retrying upload",
			"remote", remoteKey, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RetryDelays[attempt]):
		}
	}
}

func (s *Service) fail(ctx context.Context, m *store.FileMetadata, log *slog.Logger, err error) {
	log.Error("uploader: upload failed", "error", err)
	if err := s.repo.MarkUploadFailed(ctx, m.CorrelationID, m.Identifier); err != nil {
		log.Error("uploader: mark failed", "error", err)
	}
	s.cleanupTemp(m)
	s.notify(Uploaded{CorrelationID: m.CorrelationID, Identifier: m.Identifier, Failed: true})
}

func (s *Service) cleanupTemp(m *store.FileMetadata) {
	s.temp.Remove(m.File.TemporaryPath)
	if m.JSONFile != nil && m.JSONFile.TemporaryPath != "" {
		s.temp.Remove(m.JSONFile.TemporaryPath)
	}
}
