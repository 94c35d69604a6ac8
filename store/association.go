package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AssociationRepository writes the audit record each DICOM association
// leaves behind.
type AssociationRepository struct {
	db *sql.DB
}

func NewAssociationRepository(db *sql.DB) *AssociationRepository {
	return &AssociationRepository{db: db}
}

// Add inserts one finished-association record.
func (r *AssociationRepository) Add(ctx context.Context, a *AssociationRecord) error {
	if a.ID == "" {
		return errors.New("store: association record requires an id")
	}
	_, err := exec(ctx, r.db, `
		INSERT INTO associations (id, correlation_id, calling_aet, called_aet,
			remote_host, remote_port, file_count, errors,
			created_at, disconnected_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.CorrelationID, a.CallingAET, a.CalledAET,
		a.RemoteHost, a.RemotePort, a.FileCount, marshalList(a.Errors),
		ms(a.CreatedAt), ms(a.DisconnectedAt))
	if err != nil {
		return fmt.Errorf("store: add association: %w", err)
	}
	return nil
}

// Get fetches one record by id.
func (r *AssociationRepository) Get(ctx context.Context, id string) (*AssociationRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, correlation_id, calling_aet, called_aet, remote_host,
			remote_port, file_count, errors, created_at, disconnected_at
		FROM associations WHERE id=?`, id)
	var a AssociationRecord
	var errs string
	var created, disconnected int64
	err := row.Scan(&a.ID, &a.CorrelationID, &a.CallingAET, &a.CalledAET,
		&a.RemoteHost, &a.RemotePort, &a.FileCount, &errs,
		&created, &disconnected)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Errors = unmarshalList(errs)
	a.CreatedAt = fromMS(created)
	a.DisconnectedAt = fromMS(disconnected)
	return &a, nil
}

// Recent returns the latest records, newest first.
func (r *AssociationRepository) Recent(ctx context.Context, limit int) ([]*AssociationRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, correlation_id, calling_aet, called_aet, remote_host,
			remote_port, file_count, errors, created_at, disconnected_at
		FROM associations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AssociationRecord
	for rows.Next() {
		var a AssociationRecord
		var errs string
		var created, disconnected int64
		if err := rows.Scan(&a.ID, &a.CorrelationID, &a.CallingAET, &a.CalledAET,
			&a.RemoteHost, &a.RemotePort, &a.FileCount, &errs,
			&created, &disconnected); err != nil {
			return nil, err
		}
		a.Errors = unmarshalList(errs)
		a.CreatedAt = fromMS(created)
		a.DisconnectedAt = fromMS(disconnected)
		out = append(out, &a)
	}
	return out, rows.Err()
}
