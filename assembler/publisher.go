package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/imgw/mq"
	"github.com/hazyhaar/imgw/store"
)

// PublisherConfig bounds the workflow publisher.
type PublisherConfig struct {
	// Bucket is stamped into the event so consumers know where the files
	// live.
	Bucket string `yaml:"bucketName"`
	// Topic receives WorkflowRequest events.
	Topic string `yaml:"workflowRequestTopic"`
	// RetryDelays caps and paces publish retries per payload.
	RetryDelays []time.Duration `yaml:"retryDelays"`
	Logger      *slog.Logger
}

func (c *PublisherConfig) defaults() {
	if c.Bucket == "" {
		c.Bucket = "imgw-payloads"
	}
	if c.Topic == "" {
		c.Topic = mq.TopicWorkflowRequest
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Publisher consumes completed payloads and announces them to the workflow
// engine, owning the Notify to Published (or Failed) transition.
type Publisher struct {
	cfg      PublisherConfig
	bus      mq.Publisher
	payloads *store.PayloadRepository
	metadata *store.MetadataRepository
}

func NewPublisher(cfg PublisherConfig, bus mq.Publisher, payloads *store.PayloadRepository, metadata *store.MetadataRepository) *Publisher {
	cfg.defaults()
	return &Publisher{cfg: cfg, bus: bus, payloads: payloads, metadata: metadata}
}

// Run drains the completed-payload channel until ctx ends.
func (p *Publisher) Run(ctx context.Context, completed <-chan *store.Payload) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload := <-completed:
			p.publish(ctx, payload)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, payload *store.Payload) {
	log := p.cfg.Logger.With("payloadId", payload.ID)

	ev, err := p.buildEvent(ctx, payload)
	if err != nil {
		log.Error("publisher: build event", "error", err)
		p.payloads.SetState(ctx, payload.ID, store.PayloadFailed)
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		log.Error("publisher: encode event", "error", err)
		p.payloads.SetState(ctx, payload.ID, store.PayloadFailed)
		return
	}
	msg := mq.Message{
		// Payload id doubles as the message id so redelivered publications
		// stay idempotent downstream.
		ID:            payload.ID,
		Topic:         p.cfg.Topic,
		CorrelationID: payload.CorrelationID,
		Body:          body,
	}

	for attempt := 0; ; attempt++ {
		err := p.bus.Publish(ctx, msg)
		if err == nil {
			break
		}
		log.Warn("publisher: publish failed", "attempt", attempt+1, "error", err)
		if attempt >= len(p.cfg.RetryDelays) {
			if err := p.payloads.SetState(ctx, payload.ID, store.PayloadFailed); err != nil {
				log.Error("publisher: failed transition", "error", err)
			}
			return
		}
		if _, err := p.payloads.IncrementRetry(ctx, payload.ID); err != nil {
			log.Error("publisher: retry counter", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.RetryDelays[attempt]):
		}
	}

	if err := p.payloads.SetState(ctx, payload.ID, store.PayloadPublished); err != nil {
		log.Error("publisher: published transition", "error", err)
		return
	}
	if err := p.metadata.DeleteByPayload(ctx, payload.ID); err != nil {
		log.Error("publisher: metadata cleanup", "error", err)
	}
	log.Info("publisher: workflow request published", "files", ev.FileCount)
}

func (p *Publisher) buildEvent(ctx context.Context, payload *store.Payload) (*mq.WorkflowRequestEvent, error) {
	files, err := p.metadata.ByPayload(ctx, payload.ID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("publisher: payload %s has no files", payload.ID)
	}
	ev := &mq.WorkflowRequestEvent{
		PayloadID:     payload.ID,
		Bucket:        p.cfg.Bucket,
		CorrelationID: payload.CorrelationID,
		Workflows:     payload.Workflows,
		DataOrigins:   payload.DataOrigins,
		DataTrigger: mq.DataTrigger{
			Service:     string(files[0].Service),
			Source:      files[0].Source,
			Destination: files[0].Destination,
		},
		FileCount: len(files),
		Timestamp: time.Now(),
	}
	for _, m := range files {
		bf := mq.BlockFile{Path: m.File.RemotePath}
		if m.StudyUID != "" {
			bf.Metadata = map[string]string{
				"studyInstanceUid":  m.StudyUID,
				"seriesInstanceUid": m.SeriesUID,
				"sopInstanceUid":    m.SOPInstanceUID,
			}
		}
		ev.Files = append(ev.Files, bf)
	}
	return ev, nil
}
