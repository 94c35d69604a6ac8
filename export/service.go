// Package export is the outbound pipeline: a bus-driven base service that
// admits export requests, runs a three-stage dataflow per task (download,
// output plug-in transform, remote send), aggregates per-file statuses,
// and reports an ExportComplete event. Concrete senders such as the
// DICOMweb exporter plug into the last stage.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/imgw/mq"
	"github.com/hazyhaar/imgw/plugin"
	"github.com/hazyhaar/imgw/storage"
)

// Sender delivers one export message to its destination and stamps the
// outcome on the message.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg *plugin.ExportMessage) *plugin.ExportMessage
}

// Config bounds one export service instance.
type Config struct {
	// Topic is the routing key this exporter consumes.
	Topic string `yaml:"topic" validate:"required"`
	// Concurrency caps in-flight tasks and sets the subscription prefetch
	// (1..128).
	Concurrency int `yaml:"concurrency" validate:"min=1,max=128"`
	// Bucket is the object-store bucket export files are read from.
	Bucket string `yaml:"bucketName" validate:"required"`
	// RetryDelays paces download retries.
	RetryDelays []time.Duration `yaml:"retryDelays"`
	// PlugIns is the output chain, resolved at construction.
	PlugIns []string `yaml:"plugIns"`
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.Topic == "" {
		c.Topic = mq.TopicExportRequest
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.Bucket == "" {
		c.Bucket = "imgw-payloads"
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Service is the base export pipeline.
type Service struct {
	cfg    Config
	bus    mq.Bus
	objs   storage.ObjectStore
	space  *storage.Info
	sender Sender
	chain  plugin.OutputChain

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New resolves the output plug-in chain and builds the service; unresolved
// plug-in identifiers fail construction.
func New(cfg Config, bus mq.Bus, objs storage.ObjectStore, space *storage.Info, sender Sender) (*Service, error) {
	cfg.defaults()
	chain, err := plugin.ResolveOutputs(cfg.PlugIns)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	return &Service{
		cfg:      cfg,
		bus:      bus,
		objs:     objs,
		space:    space,
		sender:   sender,
		chain:    chain,
		inflight: make(map[string]struct{}),
	}, nil
}

// Run subscribes and processes export requests until ctx ends. Each task
// runs on its own goroutine; a try-acquire on the worker semaphore keeps
// at most Concurrency tasks in flight and requeues the overflow.
func (s *Service) Run(ctx context.Context) error {
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	err := s.bus.Subscribe(ctx, s.cfg.Topic, s.cfg.Concurrency, func(d mq.Delivery) {
		select {
		case sem <- struct{}{}:
		default:
			s.cfg.Logger.Warn("export: at concurrency limit, requeueing",
				"exporter", s.sender.Name())
			d.Nack(true)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.handle(ctx, d)
		}()
	})
	wg.Wait()
	return err
}

func (s *Service) handle(ctx context.Context, d mq.Delivery) {
	log := s.cfg.Logger.With("exporter", s.sender.Name())

	var ev mq.ExportRequestEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		log.Error("export: malformed request", "error", err)
		d.Nack(false)
		return
	}
	log = log.With("exportTaskId", ev.ExportTaskID)

	// Admission: disk pressure requeues the message for another instance
	// or a later attempt; a duplicate of an in-flight task is dropped.
	if !s.space.HasSpaceToExport() {
		log.Warn("export: insufficient storage, requeueing")
		d.Nack(true)
		return
	}
	s.mu.Lock()
	if _, dup := s.inflight[ev.ExportTaskID]; dup {
		s.mu.Unlock()
		log.Warn("export: duplicate task dropped")
		d.Ack()
		return
	}
	s.inflight[ev.ExportTaskID] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, ev.ExportTaskID)
		s.mu.Unlock()
	}()

	complete := s.runTask(ctx, &ev)
	s.publishComplete(ctx, complete, log)
	d.Ack()
}

// runTask drives one request through the download, transform, and send
// stages and aggregates per-file statuses.
func (s *Service) runTask(ctx context.Context, ev *mq.ExportRequestEvent) *mq.ExportCompleteEvent {
	downloaded := make(chan *plugin.ExportMessage, len(ev.Files))
	transformed := make(chan *plugin.ExportMessage, len(ev.Files))
	done := make(chan *plugin.ExportMessage, len(ev.Files))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(downloaded)
		for _, f := range ev.Files {
			msg := &plugin.ExportMessage{
				ExportTaskID:  ev.ExportTaskID,
				CorrelationID: ev.CorrelationID,
				Filename:      f,
				Destinations:  ev.Destinations,
			}
			s.download(ctx, msg)
			select {
			case downloaded <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		defer close(transformed)
		for msg := range downloaded {
			out, err := s.chain.Execute(ctx, msg)
			if err != nil {
				msg.Status = mq.ExportStatusServiceError
				msg.Error = err.Error()
				out = msg
			}
			select {
			case transformed <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		defer close(done)
		for msg := range transformed {
			if msg.Status == mq.ExportStatusUnknown || msg.Status == "" {
				msg = s.sender.Send(ctx, msg)
			}
			select {
			case done <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	complete := &mq.ExportCompleteEvent{
		ExportTaskID:  ev.ExportTaskID,
		CorrelationID: ev.CorrelationID,
		Status:        mq.ExportCompleteSuccess,
		FileStatuses:  make(map[string]mq.FileExportStatus, len(ev.Files)),
	}
	for msg := range done {
		st := msg.Status
		if st == "" {
			st = mq.ExportStatusUnknown
		}
		complete.FileStatuses[msg.Filename] = st
		if st != mq.ExportStatusSuccess {
			complete.Status = mq.ExportCompleteFailure
		}
	}
	if err := g.Wait(); err != nil {
		complete.Status = mq.ExportCompleteFailure
	}
	return complete
}

// download streams one object with the configured retry schedule; failure
// marks the message DownloadError and later stages pass it through.
func (s *Service) download(ctx context.Context, msg *plugin.ExportMessage) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		rc, err := s.objs.Get(ctx, s.cfg.Bucket, msg.Filename)
		if err == nil {
			data, rerr := io.ReadAll(rc)
			rc.Close()
			if rerr == nil {
				msg.Data = data
				return
			}
			err = rerr
		}
		lastErr = err
		if attempt >= len(s.cfg.RetryDelays) {
			break
		}
		select {
		case <-ctx.Done():
			msg.Status = mq.ExportStatusDownloadError
			msg.Error = ctx.Err().Error()
			return
		case <-time.After(s.cfg.RetryDelays[attempt]):
		}
	}
	s.cfg.Logger.Warn("export: download failed",
		"file", msg.Filename, "error", lastErr)
	msg.Status = mq.ExportStatusDownloadError
	if lastErr != nil {
		msg.Error = lastErr.Error()
	}
}

func (s *Service) publishComplete(ctx context.Context, ev *mq.ExportCompleteEvent, log *slog.Logger) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Error("export: encode complete event", "error", err)
		return
	}
	msg := mq.Message{
		ID:            ev.ExportTaskID,
		Topic:         mq.TopicExportComplete,
		CorrelationID: ev.CorrelationID,
		Body:          body,
	}
	for attempt := 0; ; attempt++ {
		err := s.bus.Publish(ctx, msg)
		if err == nil {
			log.Info("export: task complete", "status", ev.Status, "files", len(ev.FileStatuses))
			return
		}
		if attempt >= len(s.cfg.RetryDelays) {
			log.Error("export: complete event lost", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RetryDelays[attempt]):
		}
	}
}
