package store

// schema is applied on every Open; all statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS monai_aes (
    name                TEXT PRIMARY KEY,
    ae_title            TEXT NOT NULL,
    grouping_tag        TEXT NOT NULL DEFAULT '0020,000D',
    timeout_seconds     INTEGER NOT NULL DEFAULT 5,
    workflows           TEXT NOT NULL DEFAULT '[]',
    allowed_sop_classes TEXT NOT NULL DEFAULT '[]',
    ignored_sop_classes TEXT NOT NULL DEFAULT '[]',
    plug_ins            TEXT NOT NULL DEFAULT '[]',
    created_by          TEXT NOT NULL DEFAULT '',
    updated_by          TEXT NOT NULL DEFAULT '',
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS source_aes (
    name       TEXT PRIMARY KEY,
    ae_title   TEXT NOT NULL,
    host_ip    TEXT NOT NULL,
    created_by TEXT NOT NULL DEFAULT '',
    updated_by TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS destination_aes (
    name       TEXT PRIMARY KEY,
    ae_title   TEXT NOT NULL,
    host_ip    TEXT NOT NULL,
    port       INTEGER NOT NULL,
    created_by TEXT NOT NULL DEFAULT '',
    updated_by TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS virtual_aes (
    name       TEXT PRIMARY KEY,
    workflows  TEXT NOT NULL DEFAULT '[]',
    plug_ins   TEXT NOT NULL DEFAULT '[]',
    created_by TEXT NOT NULL DEFAULT '',
    updated_by TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS file_metadata (
    correlation_id     TEXT NOT NULL,
    identifier         TEXT NOT NULL,
    payload_id         TEXT NOT NULL DEFAULT '',
    study_uid          TEXT NOT NULL DEFAULT '',
    series_uid         TEXT NOT NULL DEFAULT '',
    sop_instance_uid   TEXT NOT NULL DEFAULT '',
    resource_type      TEXT NOT NULL DEFAULT '',
    resource_id        TEXT NOT NULL DEFAULT '',
    message_control_id TEXT NOT NULL DEFAULT '',
    source             TEXT NOT NULL DEFAULT '',
    destination        TEXT NOT NULL DEFAULT '',
    data_service       TEXT NOT NULL DEFAULT '',
    workflows          TEXT NOT NULL DEFAULT '[]',
    temp_path          TEXT NOT NULL DEFAULT '',
    content_type       TEXT NOT NULL DEFAULT '',
    remote_path        TEXT NOT NULL DEFAULT '',
    json_temp_path     TEXT NOT NULL DEFAULT '',
    json_content_type  TEXT NOT NULL DEFAULT '',
    json_remote_path   TEXT NOT NULL DEFAULT '',
    is_uploaded        INTEGER NOT NULL DEFAULT 0,
    upload_failed      INTEGER NOT NULL DEFAULT 0,
    created_at         INTEGER NOT NULL,
    PRIMARY KEY (correlation_id, identifier)
);
CREATE INDEX IF NOT EXISTS idx_file_metadata_uploaded ON file_metadata (is_uploaded);
CREATE INDEX IF NOT EXISTS idx_file_metadata_payload ON file_metadata (payload_id);

CREATE TABLE IF NOT EXISTS payloads (
    payload_id      TEXT PRIMARY KEY,
    grouping_key    TEXT NOT NULL,
    correlation_id  TEXT NOT NULL,
    state           TEXT NOT NULL DEFAULT 'Created',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    timeout_seconds INTEGER NOT NULL,
    data_origins    TEXT NOT NULL DEFAULT '[]',
    workflows       TEXT NOT NULL DEFAULT '[]',
    machine_name    TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payloads_state ON payloads (state);

CREATE TABLE IF NOT EXISTS inference_requests (
    transaction_id       TEXT PRIMARY KEY,
    inference_request_id TEXT NOT NULL DEFAULT '',
    priority             INTEGER NOT NULL DEFAULT 0,
    state                TEXT NOT NULL DEFAULT 'Queued',
    status               TEXT NOT NULL DEFAULT 'Unknown',
    try_count            INTEGER NOT NULL DEFAULT 0,
    input_resources      TEXT NOT NULL DEFAULT '[]',
    output_resources     TEXT NOT NULL DEFAULT '[]',
    input_metadata       TEXT NOT NULL DEFAULT '{}',
    created_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inference_state ON inference_requests (state, created_at);

CREATE TABLE IF NOT EXISTS associations (
    id              TEXT PRIMARY KEY,
    correlation_id  TEXT NOT NULL,
    calling_aet     TEXT NOT NULL,
    called_aet      TEXT NOT NULL,
    remote_host     TEXT NOT NULL,
    remote_port     INTEGER NOT NULL,
    file_count      INTEGER NOT NULL DEFAULT 0,
    errors          TEXT NOT NULL DEFAULT '[]',
    created_at      INTEGER NOT NULL,
    disconnected_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS remote_app_executions (
    outgoing_uid TEXT PRIMARY KEY,
    request_time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_remote_app_request_time ON remote_app_executions (request_time);
`
