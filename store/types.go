package store

import "time"

// DataService identifies the ingress protocol that produced a record.
type DataService string

const (
	ServiceDIMSE    DataService = "DIMSE"
	ServiceDicomWeb DataService = "DicomWeb"
	ServiceFhir     DataService = "Fhir"
	ServiceHl7      DataService = "Hl7"
	ServiceACR      DataService = "ACR"
)

// MonaiAE is a local SCP target: scanners address it by AE title and its
// settings steer grouping, filtering and plug-ins for received instances.
type MonaiAE struct {
	Name           string
	AETitle        string
	Grouping       string // DICOM tag "gggg,eeee"; Study Instance UID by default
	TimeoutSeconds int    // payload grouping window
	Workflows      []string
	AllowedSOPs    []string
	IgnoredSOPs    []string
	PlugIns        []string
	CreatedBy      string
	UpdatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SourceAE is a peer allowed to push to the SCP, matched by AE title and
// host IP.
type SourceAE struct {
	Name      string
	AETitle   string
	HostIP    string
	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DestinationAE is a remote DIMSE target for exports.
type DestinationAE struct {
	Name      string
	AETitle   string
	HostIP    string
	Port      int
	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VirtualAE is a DICOMweb ingress endpoint with no network identity of its
// own; requests select it by name in the URL.
type VirtualAE struct {
	Name      string
	Workflows []string
	PlugIns   []string
	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FileRef describes one locally buffered blob and, once uploaded, its
// location in the object store.
type FileRef struct {
	TemporaryPath string
	ContentType   string
	RemotePath    string
}

// FileMetadata is the per-received-object record. The composite key is
// (CorrelationID, Identifier).
type FileMetadata struct {
	CorrelationID    string
	Identifier       string
	PayloadID        string
	StudyUID         string
	SeriesUID        string
	SOPInstanceUID   string
	ResourceType     string // FHIR
	ResourceID       string // FHIR
	MessageControlID string // HL7
	Source           string
	Destination      string
	Service          DataService
	Workflows        []string
	File             FileRef
	JSONFile         *FileRef // optional DICOM-JSON sidecar
	Uploaded         bool
	UploadFailed     bool
	CreatedAt        time.Time
}

// PayloadState tracks the assembler's durable progress for one payload.
type PayloadState string

const (
	PayloadCreated   PayloadState = "Created"
	PayloadMove      PayloadState = "Move"
	PayloadNotify    PayloadState = "Notify"
	PayloadPublished PayloadState = "Published"
	PayloadFailed    PayloadState = "Failed"
)

// Payload is a group of files that will be announced as one workflow
// request.
type Payload struct {
	ID             string
	Key            string
	CorrelationID  string
	State          PayloadState
	RetryCount     int
	TimeoutSeconds int
	DataOrigins    []string
	Workflows      []string
	MachineName    string
	CreatedAt      time.Time
}

// Inference request states and result statuses.
type InferenceState string

const (
	InferenceQueued    InferenceState = "Queued"
	InferenceInProcess InferenceState = "InProcess"
	InferenceCompleted InferenceState = "Completed"
)

type InferenceStatus string

const (
	InferenceUnknown InferenceStatus = "Unknown"
	InferenceSuccess InferenceStatus = "Success"
	InferenceFail    InferenceStatus = "Fail"
)

// Resource is an input or output endpoint of an inference request.
type Resource struct {
	Interface         string            `json:"interface"` // e.g. "DICOMweb", "Algorithm", "FHIR"
	ConnectionDetails ConnectionDetails `json:"connectionDetails"`
}

// ConnectionDetails locates a resource and how to authenticate against it.
type ConnectionDetails struct {
	URI      string `json:"uri"`
	AuthType string `json:"authType"` // None | Basic | Bearer
	AuthID   string `json:"authId"`
}

// ResourceDicomWeb is the Resource.Interface value for DICOMweb endpoints.
const ResourceDicomWeb = "DICOMweb"

// InferenceRequest is a remote processing job descriptor.
type InferenceRequest struct {
	TransactionID      string
	InferenceRequestID string
	Priority           int
	State              InferenceState
	Status             InferenceStatus
	TryCount           int
	InputResources     []Resource
	OutputResources    []Resource
	InputMetadata      map[string]string
	CreatedAt          time.Time
}

// AssociationRecord is the audit row written when a DICOM association ends.
type AssociationRecord struct {
	ID             string
	CorrelationID  string
	CallingAET     string
	CalledAET      string
	RemoteHost     string
	RemotePort     int
	FileCount      int
	Errors         []string
	CreatedAt      time.Time
	DisconnectedAt time.Time
}

// Duration is how long the association was open.
func (a *AssociationRecord) Duration() time.Duration {
	if a.DisconnectedAt.IsZero() {
		return 0
	}
	return a.DisconnectedAt.Sub(a.CreatedAt)
}

// RemoteAppExecution tracks one outbound proxied instance; rows expire
// after RemoteAppExecutionTTL.
type RemoteAppExecution struct {
	OutgoingUID string
	RequestTime time.Time
}

// RemoteAppExecutionTTL is the retention for remote-app execution rows.
const RemoteAppExecutionTTL = 7 * 24 * time.Hour
