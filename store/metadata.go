package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// MetadataRepository persists per-received-object records. Rows are written
// as soon as an ingress service accepts an object, flipped by the uploader
// once blobs land in the object store, and deleted when the payload they
// belong to is published.
type MetadataRepository struct {
	db *sql.DB
}

func NewMetadataRepository(db *sql.DB) *MetadataRepository {
	return &MetadataRepository{db: db}
}

// Add inserts one record. The (CorrelationID, Identifier) pair must be
// unique.
func (r *MetadataRepository) Add(ctx context.Context, m *FileMetadata) error {
	if m.CorrelationID == "" || m.Identifier == "" {
		return errors.New("store: file metadata requires correlation id and identifier")
	}
	var jsonTemp, jsonCT, jsonRemote string
	if m.JSONFile != nil {
		jsonTemp = m.JSONFile.TemporaryPath
		jsonCT = m.JSONFile.ContentType
		jsonRemote = m.JSONFile.RemotePath
	}
	_, err := exec(ctx, r.db, `
		INSERT INTO file_metadata (correlation_id, identifier, payload_id,
			study_uid, series_uid, sop_instance_uid,
			resource_type, resource_id, message_control_id,
			source, destination, data_service, workflows,
			temp_path, content_type, remote_path,
			json_temp_path, json_content_type, json_remote_path,
			is_uploaded, upload_failed, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.CorrelationID, m.Identifier, m.PayloadID,
		m.StudyUID, m.SeriesUID, m.SOPInstanceUID,
		m.ResourceType, m.ResourceID, m.MessageControlID,
		m.Source, m.Destination, string(m.Service), marshalList(m.Workflows),
		m.File.TemporaryPath, m.File.ContentType, m.File.RemotePath,
		jsonTemp, jsonCT, jsonRemote,
		boolInt(m.Uploaded), boolInt(m.UploadFailed), ms(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: add file metadata: %w", err)
	}
	return nil
}

// Get fetches one record by its composite key.
func (r *MetadataRepository) Get(ctx context.Context, correlationID, identifier string) (*FileMetadata, error) {
	row := r.db.QueryRowContext(ctx, metadataSelect+`
		WHERE correlation_id=? AND identifier=?`, correlationID, identifier)
	return scanMetadata(row)
}

// PendingUploads returns up to limit records not yet uploaded and not
// marked failed, oldest first.
func (r *MetadataRepository) PendingUploads(ctx context.Context, limit int) ([]*FileMetadata, error) {
	rows, err := r.db.QueryContext(ctx, metadataSelect+`
		WHERE is_uploaded=0 AND upload_failed=0
		ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMetadata(rows)
}

// MarkUploaded records the object-store locations after a successful upload.
func (r *MetadataRepository) MarkUploaded(ctx context.Context, correlationID, identifier, remotePath, jsonRemotePath string) error {
	res, err := exec(ctx, r.db, `
		UPDATE file_metadata SET is_uploaded=1, remote_path=?, json_remote_path=?
		WHERE correlation_id=? AND identifier=?`,
		remotePath, jsonRemotePath, correlationID, identifier)
	if err != nil {
		return fmt.Errorf("store: mark uploaded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkUploadFailed flags a record whose upload exhausted its retries; the
// assembler fails the owning payload when it sees the flag.
func (r *MetadataRepository) MarkUploadFailed(ctx context.Context, correlationID, identifier string) error {
	res, err := exec(ctx, r.db, `
		UPDATE file_metadata SET upload_failed=1
		WHERE correlation_id=? AND identifier=?`, correlationID, identifier)
	if err != nil {
		return fmt.Errorf("store: mark upload failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPayloadID attaches a record to the payload the assembler grouped it
// into.
func (r *MetadataRepository) SetPayloadID(ctx context.Context, correlationID, identifier, payloadID string) error {
	res, err := exec(ctx, r.db, `
		UPDATE file_metadata SET payload_id=?
		WHERE correlation_id=? AND identifier=?`, payloadID, correlationID, identifier)
	if err != nil {
		return fmt.Errorf("store: set payload id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ByPayload returns all records grouped into a payload.
func (r *MetadataRepository) ByPayload(ctx context.Context, payloadID string) ([]*FileMetadata, error) {
	rows, err := r.db.QueryContext(ctx, metadataSelect+`
		WHERE payload_id=? ORDER BY created_at`, payloadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMetadata(rows)
}

// DeleteByPayload removes all records of a published payload.
func (r *MetadataRepository) DeleteByPayload(ctx context.Context, payloadID string) error {
	_, err := exec(ctx, r.db, `DELETE FROM file_metadata WHERE payload_id=?`, payloadID)
	if err != nil {
		return fmt.Errorf("store: delete by payload: %w", err)
	}
	return nil
}

// DeletePending removes all not-yet-uploaded records. Run once at startup:
// rows without an uploaded blob reference temp files from a previous run
// that are gone or unsafe to trust.
func (r *MetadataRepository) DeletePending(ctx context.Context) (int64, error) {
	res, err := exec(ctx, r.db, `DELETE FROM file_metadata WHERE is_uploaded=0`)
	if err != nil {
		return 0, fmt.Errorf("store: delete pending: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const metadataSelect = `
	SELECT correlation_id, identifier, payload_id,
		study_uid, series_uid, sop_instance_uid,
		resource_type, resource_id, message_control_id,
		source, destination, data_service, workflows,
		temp_path, content_type, remote_path,
		json_temp_path, json_content_type, json_remote_path,
		is_uploaded, upload_failed, created_at
	FROM file_metadata`

func scanMetadata(row rowScanner) (*FileMetadata, error) {
	var m FileMetadata
	var service, workflows string
	var jsonTemp, jsonCT, jsonRemote string
	var uploaded, failed int
	var created int64
	err := row.Scan(&m.CorrelationID, &m.Identifier, &m.PayloadID,
		&m.StudyUID, &m.SeriesUID, &m.SOPInstanceUID,
		&m.ResourceType, &m.ResourceID, &m.MessageControlID,
		&m.Source, &m.Destination, &service, &workflows,
		&m.File.TemporaryPath, &m.File.ContentType, &m.File.RemotePath,
		&jsonTemp, &jsonCT, &jsonRemote,
		&uploaded, &failed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Service = DataService(service)
	m.Workflows = unmarshalList(workflows)
	if jsonTemp != "" || jsonRemote != "" {
		m.JSONFile = &FileRef{TemporaryPath: jsonTemp, ContentType: jsonCT, RemotePath: jsonRemote}
	}
	m.Uploaded = uploaded != 0
	m.UploadFailed = failed != 0
	m.CreatedAt = fromMS(created)
	return &m, nil
}

func collectMetadata(rows *sql.Rows) ([]*FileMetadata, error) {
	var out []*FileMetadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
