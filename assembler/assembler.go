// Package assembler coalesces per-instance file metadata into payloads
// bounded by a sliding inactivity window, drives each payload through its
// durable state machine (Created, Move, Notify, Published or Failed), and
// hands completed payloads to the workflow publisher over a channel.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/imgw/storage"
	"github.com/hazyhaar/imgw/store"
)

// Config bounds the assembler.
type Config struct {
	// Bucket is where assembled payload objects land.
	Bucket string `yaml:"bucketName" validate:"required"`
	// TemporaryBucket is where the uploader parked the objects.
	TemporaryBucket string `yaml:"temporaryBucketName" validate:"required"`
	// ProcessThreads bounds concurrent payload moves (1..128).
	ProcessThreads int `yaml:"payloadProcessThreads" validate:"min=1,max=128"`
	// Tick is the bucket scan interval, at most one second.
	Tick time.Duration `yaml:"tick"`
	// MachineName stamps payload rows for multi-instance deployments.
	MachineName string `yaml:"machineName"`
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.Bucket == "" {
		c.Bucket = "imgw-payloads"
	}
	if c.TemporaryBucket == "" {
		c.TemporaryBucket = "imgw-temp"
	}
	if c.ProcessThreads <= 0 {
		c.ProcessThreads = 4
	}
	if c.Tick <= 0 || c.Tick > time.Second {
		c.Tick = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// uploadPollInterval paces the wait for a bucket's files to finish
// uploading once its window has closed.
const uploadPollInterval = 500 * time.Millisecond

// bucket is the in-memory assembly state for one grouping key.
type bucket struct {
	payloadID     string
	correlationID string
	deadline      time.Time
	files         map[string]*store.FileMetadata // by identifier
	order         []string
	dataOrigins   []string
	workflows     []string
	expired       bool
}

// Service is the payload assembler.
type Service struct {
	cfg      Config
	objs     storage.ObjectStore
	payloads *store.PayloadRepository
	metadata *store.MetadataRepository

	mu      sync.Mutex
	buckets map[string]*bucket

	completed chan *store.Payload
}

func New(cfg Config, objs storage.ObjectStore, payloads *store.PayloadRepository, metadata *store.MetadataRepository) *Service {
	cfg.defaults()
	return &Service{
		cfg:       cfg,
		objs:      objs,
		payloads:  payloads,
		metadata:  metadata,
		buckets:   make(map[string]*bucket),
		completed: make(chan *store.Payload, 64),
	}
}

// Completed is the channel of payloads that reached Notify; the workflow
// publisher consumes it.
func (s *Service) Completed() <-chan *store.Payload {
	return s.completed
}

// Queue adds one instance to the bucket for key, creating the bucket (and
// its durable Created row) on first sight. Idempotent per
// (key, metadata identifier). Returns the payload id the instance belongs
// to.
func (s *Service) Queue(ctx context.Context, key string, m *store.FileMetadata, dataOrigin string, timeout time.Duration) (string, error) {
	if key == "" {
		return "", errors.New("assembler: empty grouping key")
	}
	now := time.Now()

	s.mu.Lock()
	b, ok := s.buckets[key]
	if ok && b.expired {
		// The window closed and the payload is sealed; a late instance
		// opens a fresh payload under the same key.
		ok = false
	}
	if ok {
		if _, dup := b.files[m.Identifier]; dup {
			id := b.payloadID
			s.mu.Unlock()
			return id, nil
		}
	}
	s.mu.Unlock()

	if !ok {
		b = &bucket{
			payloadID:     uuid.NewString(),
			correlationID: m.CorrelationID,
			deadline:      now.Add(timeout),
			files:         make(map[string]*store.FileMetadata),
		}
		// Durable row before the bucket becomes visible: a crash after this
		// point resumes instead of losing the payload.
		err := s.payloads.Add(ctx, &store.Payload{
			ID:             b.payloadID,
			Key:            key,
			CorrelationID:  m.CorrelationID,
			State:          store.PayloadCreated,
			TimeoutSeconds: int(timeout / time.Second),
			MachineName:    s.cfg.MachineName,
			CreatedAt:      now,
		})
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		if existing, raced := s.buckets[key]; raced && !existing.expired {
			b = existing
		} else {
			s.buckets[key] = b
		}
	} else {
		s.mu.Lock()
		if b.expired {
			// Sealed between the lookup and here; retry against a fresh
			// bucket.
			s.mu.Unlock()
			return s.Queue(ctx, key, m, dataOrigin, timeout)
		}
	}

	if _, dup := b.files[m.Identifier]; !dup {
		b.files[m.Identifier] = m
		b.order = append(b.order, m.Identifier)
		b.dataOrigins = appendUnique(b.dataOrigins, dataOrigin)
		for _, w := range m.Workflows {
			b.workflows = appendUnique(b.workflows, w)
		}
	}
	if d := now.Add(timeout); d.After(b.deadline) {
		b.deadline = d
	}
	id := b.payloadID
	s.mu.Unlock()

	if err := s.metadata.SetPayloadID(ctx, m.CorrelationID, m.Identifier, id); err != nil {
		return "", fmt.Errorf("assembler: attach file: %w", err)
	}
	return id, nil
}

// Run rehydrates interrupted payloads and scans buckets until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	if err := s.rehydrate(ctx); err != nil {
		return err
	}

	sem := make(chan struct{}, s.cfg.ProcessThreads)
	var wg sync.WaitGroup
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case now := <-ticker.C:
			for _, key := range s.expiredKeys(now) {
				key := key
				sem <- struct{}{}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					s.processExpired(ctx, key)
				}()
			}
		}
	}
}

// expiredKeys marks and returns buckets whose window closed.
func (s *Service) expiredKeys(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key, b := range s.buckets {
		if !b.expired && !b.deadline.After(now) {
			b.expired = true
			keys = append(keys, key)
		}
	}
	return keys
}

// processExpired drives one closed bucket through Move and Notify. The
// bucket's membership is snapshotted under the lock; Queue never touches a
// sealed bucket again, and a new bucket under the same key is left alone.
func (s *Service) processExpired(ctx context.Context, key string) {
	s.mu.Lock()
	b := s.buckets[key]
	var order, origins, workflows []string
	if b != nil {
		order = append([]string(nil), b.order...)
		origins = append([]string(nil), b.dataOrigins...)
		workflows = append([]string(nil), b.workflows...)
	}
	s.mu.Unlock()
	if b == nil {
		return
	}
	log := s.cfg.Logger.With("payloadId", b.payloadID, "key", key)

	if err := s.payloads.SetState(ctx, b.payloadID, store.PayloadMove); err != nil {
		log.Error("assembler: move transition", "error", err)
		return
	}

	if err := s.awaitUploads(ctx, b.correlationID, order); err != nil {
		log.Error("assembler: payload failed", "error", err)
		s.failPayload(ctx, key, b)
		return
	}

	if err := s.moveObjects(ctx, b.payloadID, b.correlationID, order); err != nil {
		log.Error("assembler: move objects", "error", err)
		s.failPayload(ctx, key, b)
		return
	}

	if err := s.payloads.SetDetails(ctx, b.payloadID, origins, workflows); err != nil {
		log.Error("assembler: record payload details", "error", err)
		return
	}
	if err := s.payloads.SetState(ctx, b.payloadID, store.PayloadNotify); err != nil {
		log.Error("assembler: notify transition", "error", err)
		return
	}

	s.mu.Lock()
	if s.buckets[key] == b {
		delete(s.buckets, key)
	}
	s.mu.Unlock()

	p, err := s.payloads.Get(ctx, b.payloadID)
	if err != nil {
		log.Error("assembler: reload payload", "error", err)
		return
	}
	select {
	case s.completed <- p:
	case <-ctx.Done():
	}
	log.Info("assembler: payload ready", "files", len(order))
}

// awaitUploads blocks until every file in the bucket is uploaded, or fails
// if any upload was marked terminally failed.
func (s *Service) awaitUploads(ctx context.Context, correlationID string, order []string) error {
	for {
		ready := true
		for _, id := range order {
			m, err := s.metadata.Get(ctx, correlationID, id)
			if err != nil {
				return fmt.Errorf("assembler: file %s: %w", id, err)
			}
			if m.UploadFailed {
				return fmt.Errorf("assembler: file %s failed to upload", id)
			}
			if !m.Uploaded {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(uploadPollInterval):
		}
	}
}

// moveObjects promotes the sealed bucket's objects from the temporary
// bucket into the payload bucket under <payloadId>/ and records the new
// paths. The order snapshot is the authoritative membership.
func (s *Service) moveObjects(ctx context.Context, payloadID, correlationID string, order []string) error {
	for _, id := range order {
		m, err := s.metadata.Get(ctx, correlationID, id)
		if err != nil {
			return err
		}
		dst := path.Join(payloadID, m.Identifier)
		if err := s.objs.Move(ctx, s.cfg.TemporaryBucket, m.File.RemotePath, s.cfg.Bucket, dst); err != nil {
			return err
		}
		var jsonDst string
		if m.JSONFile != nil && m.JSONFile.RemotePath != "" {
			jsonDst = path.Join(payloadID, m.Identifier+".json")
			if err := s.objs.Move(ctx, s.cfg.TemporaryBucket, m.JSONFile.RemotePath, s.cfg.Bucket, jsonDst); err != nil {
				return err
			}
		}
		if err := s.metadata.MarkUploaded(ctx, m.CorrelationID, m.Identifier, dst, jsonDst); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) failPayload(ctx context.Context, key string, b *bucket) {
	if err := s.payloads.SetState(ctx, b.payloadID, store.PayloadFailed); err != nil {
		s.cfg.Logger.Error("assembler: failed transition", "payloadId", b.payloadID, "error", err)
	}
	s.mu.Lock()
	if s.buckets[key] == b {
		delete(s.buckets, key)
	}
	s.mu.Unlock()
}

// rehydrate resumes payloads interrupted by a restart: Created and Move
// rows become immediately expired buckets, Notify rows go straight to the
// publisher (publication is idempotent by payload id).
func (s *Service) rehydrate(ctx context.Context) error {
	pending, err := s.payloads.InStates(ctx, store.PayloadCreated, store.PayloadMove, store.PayloadNotify)
	if err != nil {
		return fmt.Errorf("assembler: rehydrate: %w", err)
	}
	for _, p := range pending {
		if p.State == store.PayloadNotify {
			select {
			case s.completed <- p:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		files, err := s.metadata.ByPayload(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("assembler: rehydrate %s: %w", p.ID, err)
		}
		if len(files) == 0 {
			// Nothing survived the crash; the uploader purge dropped the
			// pending rows and senders will retransmit.
			if err := s.payloads.SetState(ctx, p.ID, store.PayloadFailed); err != nil {
				return err
			}
			continue
		}
		b := &bucket{
			payloadID:     p.ID,
			correlationID: p.CorrelationID,
			deadline:      time.Now(),
			files:         make(map[string]*store.FileMetadata),
			dataOrigins:   p.DataOrigins,
			workflows:     p.Workflows,
		}
		for _, m := range files {
			b.files[m.Identifier] = m
			b.order = append(b.order, m.Identifier)
		}
		s.mu.Lock()
		s.buckets[p.Key] = b
		s.mu.Unlock()
		s.cfg.Logger.Info("assembler: resumed payload", "payloadId", p.ID, "state", p.State)
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
