package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RemoteAppRepository tracks outbound proxied instances by the UID sent to
// the remote application, so responses can be matched back. Rows are purged
// after RemoteAppExecutionTTL.
type RemoteAppRepository struct {
	db *sql.DB
}

func NewRemoteAppRepository(db *sql.DB) *RemoteAppRepository {
	return &RemoteAppRepository{db: db}
}

// Add records one outgoing UID. The UID must be unique.
func (r *RemoteAppRepository) Add(ctx context.Context, e *RemoteAppExecution) error {
	if e.OutgoingUID == "" {
		return errors.New("store: remote app execution requires an outgoing uid")
	}
	if e.RequestTime.IsZero() {
		e.RequestTime = time.Now()
	}
	_, err := exec(ctx, r.db, `
		INSERT INTO remote_app_executions (outgoing_uid, request_time)
		VALUES (?,?)`, e.OutgoingUID, ms(e.RequestTime))
	if err != nil {
		return fmt.Errorf("store: add remote app execution: %w", err)
	}
	return nil
}

// Get fetches one execution by outgoing UID.
func (r *RemoteAppRepository) Get(ctx context.Context, outgoingUID string) (*RemoteAppExecution, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT outgoing_uid, request_time FROM remote_app_executions
		WHERE outgoing_uid=?`, outgoingUID)
	var e RemoteAppExecution
	var t int64
	err := row.Scan(&e.OutgoingUID, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.RequestTime = fromMS(t)
	return &e, nil
}

// PurgeExpired removes executions older than RemoteAppExecutionTTL and
// returns how many were deleted.
func (r *RemoteAppRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-RemoteAppExecutionTTL)
	res, err := exec(ctx, r.db, `
		DELETE FROM remote_app_executions WHERE request_time < ?`, ms(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: purge remote app executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
