// Package mq carries the gateway's message-bus contract: the event types
// exchanged with the workflow engine, Publisher/Subscriber interfaces, a
// RabbitMQ adapter for production and an in-process bus for tests.
package mq

import "time"

// Topic names. Deployments may override them in config; these are the
// defaults the workflow engine expects.
const (
	TopicWorkflowRequest = "md.workflow.request"
	TopicExportComplete  = "md.export.complete"
	TopicExportRequest   = "md.export.request"
	// TopicExportRequestDimse is the routing key for exports that go out
	// over DIMSE rather than DICOMweb.
	TopicExportRequestDimse = "md.export.request.dimse"
)

// DataTrigger identifies the ingress event that opened a payload.
type DataTrigger struct {
	Service     string `json:"service"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// BlockFile is one object reference inside a workflow request.
type BlockFile struct {
	Path     string            `json:"path"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WorkflowRequestEvent announces a published payload to the workflow
// engine. Bucket plus file paths locate every object.
type WorkflowRequestEvent struct {
	PayloadID     string      `json:"payloadId"`
	Bucket        string      `json:"bucket"`
	CorrelationID string      `json:"correlationId"`
	Workflows     []string    `json:"workflows,omitempty"`
	DataTrigger   DataTrigger `json:"dataTrigger"`
	DataOrigins   []string    `json:"dataOrigins,omitempty"`
	Files         []BlockFile `json:"files"`
	FileCount     int         `json:"fileCount"`
	Timestamp     time.Time   `json:"timestamp"`
}

// FileExportStatus is the per-file outcome of an export task.
type FileExportStatus string

const (
	ExportStatusUnknown            FileExportStatus = "Unknown"
	ExportStatusSuccess            FileExportStatus = "Success"
	ExportStatusDownloadError      FileExportStatus = "DownloadError"
	ExportStatusConfigurationError FileExportStatus = "ConfigurationError"
	ExportStatusServiceError       FileExportStatus = "ServiceError"
)

// ExportRequestEvent asks an exporter to deliver objects to a destination.
type ExportRequestEvent struct {
	ExportTaskID  string   `json:"exportTaskId"`
	CorrelationID string   `json:"correlationId"`
	Destinations  []string `json:"destinations"`
	Files         []string `json:"files"` // object-store keys
}

// ExportCompleteEvent reports the aggregate and per-file outcome of one
// export task. Status is Success only when every file succeeded.
type ExportCompleteEvent struct {
	ExportTaskID  string                      `json:"exportTaskId"`
	CorrelationID string                      `json:"correlationId"`
	Status        string                      `json:"status"` // Success | Failure
	FileStatuses  map[string]FileExportStatus `json:"fileStatuses"`
}

const (
	ExportCompleteSuccess = "Success"
	ExportCompleteFailure = "Failure"
)
