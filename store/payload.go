package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PayloadRepository persists assembler payloads and their state machine:
// Created -> Move -> Notify -> Published | Failed. Every transition is
// written before the corresponding work starts so a crashed process can be
// rehydrated from the table.
type PayloadRepository struct {
	db *sql.DB
}

func NewPayloadRepository(db *sql.DB) *PayloadRepository {
	return &PayloadRepository{db: db}
}

// Add inserts a payload in the Created state.
func (r *PayloadRepository) Add(ctx context.Context, p *Payload) error {
	if p.ID == "" {
		return errors.New("store: payload requires an id")
	}
	if p.State == "" {
		p.State = PayloadCreated
	}
	_, err := exec(ctx, r.db, `
		INSERT INTO payloads (payload_id, grouping_key, correlation_id, state,
			retry_count, timeout_seconds, data_origins, workflows,
			machine_name, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Key, p.CorrelationID, string(p.State),
		p.RetryCount, p.TimeoutSeconds, marshalList(p.DataOrigins),
		marshalList(p.Workflows), p.MachineName, ms(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: add payload: %w", err)
	}
	return nil
}

// Get fetches one payload by id.
func (r *PayloadRepository) Get(ctx context.Context, id string) (*Payload, error) {
	row := r.db.QueryRowContext(ctx, payloadSelect+` WHERE payload_id=?`, id)
	return scanPayload(row)
}

// SetState writes a state transition.
func (r *PayloadRepository) SetState(ctx context.Context, id string, state PayloadState) error {
	res, err := exec(ctx, r.db, `UPDATE payloads SET state=? WHERE payload_id=?`,
		string(state), id)
	if err != nil {
		return fmt.Errorf("store: payload state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDetails records the data origins and workflows gathered while the
// bucket was open, so a rehydrated Notify row can rebuild its event.
func (r *PayloadRepository) SetDetails(ctx context.Context, id string, dataOrigins, workflows []string) error {
	res, err := exec(ctx, r.db, `
		UPDATE payloads SET data_origins=?, workflows=? WHERE payload_id=?`,
		marshalList(dataOrigins), marshalList(workflows), id)
	if err != nil {
		return fmt.Errorf("store: payload details: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRetry bumps the retry counter and returns the new value.
func (r *PayloadRepository) IncrementRetry(ctx context.Context, id string) (int, error) {
	var count int
	err := runTx(ctx, r.db, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			UPDATE payloads SET retry_count = retry_count + 1
			WHERE payload_id=? RETURNING retry_count`, id).Scan(&count)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: payload retry: %w", err)
	}
	return count, nil
}

// Delete removes a payload row, normally after publishing.
func (r *PayloadRepository) Delete(ctx context.Context, id string) error {
	_, err := exec(ctx, r.db, `DELETE FROM payloads WHERE payload_id=?`, id)
	if err != nil {
		return fmt.Errorf("store: delete payload: %w", err)
	}
	return nil
}

// InStates returns payloads in any of the given states, oldest first. The
// assembler uses it at startup to resume interrupted work.
func (r *PayloadRepository) InStates(ctx context.Context, states ...PayloadState) ([]*Payload, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := payloadSelect + ` WHERE state IN (?` +
		repeat(",?", len(states)-1) + `) ORDER BY created_at`
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Payload
	for rows.Next() {
		p, err := scanPayload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const payloadSelect = `
	SELECT payload_id, grouping_key, correlation_id, state, retry_count,
		timeout_seconds, data_origins, workflows, machine_name, created_at
	FROM payloads`

func scanPayload(row rowScanner) (*Payload, error) {
	var p Payload
	var state, origins, workflows string
	var created int64
	err := row.Scan(&p.ID, &p.Key, &p.CorrelationID, &state, &p.RetryCount,
		&p.TimeoutSeconds, &origins, &workflows, &p.MachineName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.State = PayloadState(state)
	p.DataOrigins = unmarshalList(origins)
	p.Workflows = unmarshalList(workflows)
	p.CreatedAt = fromMS(created)
	return &p, nil
}

func repeat(s string, n int) string {
	out := ""
	for range n {
		out += s
	}
	return out
}
