package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoWork is returned by Take when no Queued request exists.
var ErrNoWork = errors.New("store: no queued inference request")

// TakePollInterval is how often a blocking Take re-checks the queue.
const TakePollInterval = 250 * time.Millisecond

// InferenceRepository is the durable queue of inference requests. Take
// claims a request by atomically flipping Queued -> InProcess with a single
// UPDATE..RETURNING, so concurrent consumers never dequeue the same row.
type InferenceRepository struct {
	db          *sql.DB
	retryDelays []time.Duration
}

// NewInferenceRepository builds the repository. An optional retry schedule
// overrides DefaultRetryDelays for failed requests.
func NewInferenceRepository(db *sql.DB, retryDelays ...time.Duration) *InferenceRepository {
	if len(retryDelays) == 0 {
		retryDelays = DefaultRetryDelays
	}
	return &InferenceRepository{db: db, retryDelays: retryDelays}
}

// Add validates and inserts a new request in the Queued state. The
// transaction id must be unique.
func (r *InferenceRepository) Add(ctx context.Context, req *InferenceRequest) error {
	if req.TransactionID == "" {
		return errors.New("store: inference request requires a transaction id")
	}
	if len(req.InputResources) == 0 {
		return errors.New("store: inference request requires at least one input resource")
	}
	if req.State == "" {
		req.State = InferenceQueued
	}
	if req.Status == "" {
		req.Status = InferenceUnknown
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	inputs, err := json.Marshal(req.InputResources)
	if err != nil {
		return fmt.Errorf("store: marshal input resources: %w", err)
	}
	outputs, err := json.Marshal(req.OutputResources)
	if err != nil {
		return fmt.Errorf("store: marshal output resources: %w", err)
	}
	meta, err := json.Marshal(req.InputMetadata)
	if err != nil {
		return fmt.Errorf("store: marshal input metadata: %w", err)
	}
	_, err = exec(ctx, r.db, `
		INSERT INTO inference_requests (transaction_id, inference_request_id,
			priority, state, status, try_count,
			input_resources, output_resources, input_metadata, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		req.TransactionID, req.InferenceRequestID, req.Priority,
		string(req.State), string(req.Status), req.TryCount,
		string(inputs), string(outputs), string(meta), ms(req.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: add inference request: %w", err)
	}
	return nil
}

// Exists reports whether a transaction id is already known.
func (r *InferenceRepository) Exists(ctx context.Context, transactionID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM inference_requests WHERE transaction_id=?`,
		transactionID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TryTake claims the oldest Queued request, or returns ErrNoWork.
func (r *InferenceRepository) TryTake(ctx context.Context) (*InferenceRequest, error) {
	var req *InferenceRequest
	err := runTx(ctx, r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE inference_requests SET state=?
			WHERE transaction_id = (
				SELECT transaction_id FROM inference_requests
				WHERE state=? ORDER BY created_at LIMIT 1)
			RETURNING `+inferenceColumns,
			string(InferenceInProcess), string(InferenceQueued))
		got, err := scanInference(row)
		if err != nil {
			return err
		}
		req = got
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoWork
	}
	if err != nil {
		return nil, fmt.Errorf("store: take inference request: %w", err)
	}
	return req, nil
}

// Take blocks until a Queued request can be claimed or ctx ends, polling
// every TakePollInterval.
func (r *InferenceRepository) Take(ctx context.Context) (*InferenceRequest, error) {
	for {
		req, err := r.TryTake(ctx)
		if err == nil {
			return req, nil
		}
		if !errors.Is(err, ErrNoWork) {
			return nil, err
		}
		if err := sleepCtx(ctx, TakePollInterval); err != nil {
			return nil, err
		}
	}
}

// DefaultRetryDelays is the backoff schedule for failed inference requests
// when the repository is not given one; its length is also the retry cap.
var DefaultRetryDelays = []time.Duration{
	750 * time.Millisecond,
	1500 * time.Millisecond,
	3 * time.Second,
}

// Requeue puts a failed InProcess request back in the queue with a bumped
// try count, or completes it as Fail when the retry cap is reached. It
// returns the delay to wait before the request becomes eligible again, or 0
// when the request was failed permanently.
func (r *InferenceRepository) Requeue(ctx context.Context, transactionID string) (time.Duration, error) {
	var tryCount int
	err := runTx(ctx, r.db, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			UPDATE inference_requests SET try_count = try_count + 1
			WHERE transaction_id=? RETURNING try_count`, transactionID).Scan(&tryCount)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: requeue inference request: %w", err)
	}
	if tryCount > len(r.retryDelays) {
		if err := r.Complete(ctx, transactionID, InferenceFail); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if err := r.setState(ctx, transactionID, InferenceQueued); err != nil {
		return 0, err
	}
	return r.retryDelays[tryCount-1], nil
}

// Complete finishes a request with a terminal status.
func (r *InferenceRepository) Complete(ctx context.Context, transactionID string, status InferenceStatus) error {
	res, err := exec(ctx, r.db, `
		UPDATE inference_requests SET state=?, status=?
		WHERE transaction_id=?`,
		string(InferenceCompleted), string(status), transactionID)
	if err != nil {
		return fmt.Errorf("store: complete inference request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *InferenceRepository) setState(ctx context.Context, transactionID string, state InferenceState) error {
	res, err := exec(ctx, r.db, `
		UPDATE inference_requests SET state=? WHERE transaction_id=?`,
		string(state), transactionID)
	if err != nil {
		return fmt.Errorf("store: inference state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByTransactionID fetches one request.
func (r *InferenceRepository) GetByTransactionID(ctx context.Context, transactionID string) (*InferenceRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+inferenceColumns+`
		FROM inference_requests WHERE transaction_id=?`, transactionID)
	return scanInference(row)
}

// Status summarizes a request for the status endpoint.
type Status struct {
	TransactionID string          `json:"transactionId"`
	State         InferenceState  `json:"state"`
	Status        InferenceStatus `json:"status"`
	TryCount      int             `json:"tryCount"`
	Created       time.Time       `json:"created"`
}

// GetStatus fetches the lightweight view of one request.
func (r *InferenceRepository) GetStatus(ctx context.Context, transactionID string) (*Status, error) {
	req, err := r.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return &Status{
		TransactionID: req.TransactionID,
		State:         req.State,
		Status:        req.Status,
		TryCount:      req.TryCount,
		Created:       req.CreatedAt,
	}, nil
}

const inferenceColumns = `transaction_id, inference_request_id, priority,
	state, status, try_count, input_resources, output_resources,
	input_metadata, created_at`

func scanInference(row rowScanner) (*InferenceRequest, error) {
	var req InferenceRequest
	var state, status, inputs, outputs, meta string
	var created int64
	err := row.Scan(&req.TransactionID, &req.InferenceRequestID, &req.Priority,
		&state, &status, &req.TryCount, &inputs, &outputs, &meta, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	req.State = InferenceState(state)
	req.Status = InferenceStatus(status)
	if err := json.Unmarshal([]byte(inputs), &req.InputResources); err != nil {
		return nil, fmt.Errorf("store: decode input resources: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &req.OutputResources); err != nil {
		return nil, fmt.Errorf("store: decode output resources: %w", err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &req.InputMetadata); err != nil {
			return nil, fmt.Errorf("store: decode input metadata: %w", err)
		}
	}
	req.CreatedAt = fromMS(created)
	return &req, nil
}
