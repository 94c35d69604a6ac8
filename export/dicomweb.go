package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/hazyhaar/imgw/mq"
	"github.com/hazyhaar/imgw/plugin"
	"github.com/hazyhaar/imgw/store"
)

// DicomWebConfig bounds the DICOMweb sender.
type DicomWebConfig struct {
	// ClientTimeoutSeconds caps each STOW-RS request.
	ClientTimeoutSeconds int `yaml:"clientTimeoutSeconds" validate:"min=1"`
	Logger               *slog.Logger
}

func (c *DicomWebConfig) defaults() {
	if c.ClientTimeoutSeconds <= 0 {
		c.ClientTimeoutSeconds = 30
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DicomWebSender posts exported instances to the DICOMweb endpoints named
// by the originating inference request. The export task id is the
// request's transaction id; destinations come from its output resources,
// not from the export message.
type DicomWebSender struct {
	cfg      DicomWebConfig
	requests *store.InferenceRepository
	client   *http.Client
}

func NewDicomWebSender(cfg DicomWebConfig, requests *store.InferenceRepository) *DicomWebSender {
	cfg.defaults()
	return &DicomWebSender{
		cfg:      cfg,
		requests: requests,
		client:   &http.Client{Timeout: time.Duration(cfg.ClientTimeoutSeconds) * time.Second},
	}
}

func (s *DicomWebSender) Name() string { return "DicomWebExport" }

// Send uploads one instance to every DICOMweb output resource of the
// inference request identified by the export task id. Anything other than
// HTTP 200 from the remote, including 202 partial acceptance, fails the
// file with ServiceError.
func (s *DicomWebSender) Send(ctx context.Context, msg *plugin.ExportMessage) *plugin.ExportMessage {
	log := s.cfg.Logger.With("exportTaskId", msg.ExportTaskID, "file", msg.Filename)

	req, err := s.requests.GetByTransactionID(ctx, msg.ExportTaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			msg.Status = mq.ExportStatusConfigurationError
			msg.Error = fmt.Sprintf("no inference request for task %s", msg.ExportTaskID)
		} else {
			msg.Status = mq.ExportStatusServiceError
			msg.Error = err.Error()
		}
		log.Error("dicomweb export: resolve request", "error", msg.Error)
		return msg
	}

	var targets []store.ConnectionDetails
	for _, res := range req.OutputResources {
		if strings.EqualFold(res.Interface, store.ResourceDicomWeb) {
			targets = append(targets, res.ConnectionDetails)
		}
	}
	if len(targets) == 0 {
		msg.Status = mq.ExportStatusConfigurationError
		msg.Error = "inference request has no DICOMweb output resource"
		log.Error("dicomweb export: no destination")
		return msg
	}

	studyUID, err := studyInstanceUID(msg.Data)
	if err != nil {
		msg.Status = mq.ExportStatusServiceError
		msg.Error = fmt.Sprintf("parse instance: %v", err)
		log.Error("dicomweb export: parse", "error", err)
		return msg
	}

	for _, dst := range targets {
		if err := s.stow(ctx, dst, studyUID, msg.Data); err != nil {
			msg.Status = mq.ExportStatusServiceError
			msg.Error = err.Error()
			log.Error("dicomweb export: store", "uri", dst.URI, "error", err)
			return msg
		}
		log.Info("dicomweb export: stored", "uri", dst.URI, "studyUid", studyUID)
	}
	msg.Status = mq.ExportStatusSuccess
	return msg
}

// stow issues one STOW-RS request with a single application/dicom part.
func (s *DicomWebSender) stow(ctx context.Context, dst store.ConnectionDetails, studyUID string, data []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Type", "application/dicom")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return fmt.Errorf("dicomweb: build part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("dicomweb: write part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("dicomweb: close body: %w", err)
	}

	url := strings.TrimSuffix(dst.URI, "/") + "/studies/" + studyUID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("dicomweb: build request: %w", err)
	}
	req.Header.Set("Content-Type",
		fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, mw.Boundary()))
	req.Header.Set("Accept", "application/dicom+json")
	switch strings.ToLower(dst.AuthType) {
	case "", "none":
	case "basic":
		req.Header.Set("Authorization", "Basic "+dst.AuthID)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+dst.AuthID)
	default:
		return fmt.Errorf("dicomweb: unsupported auth type %q", dst.AuthType)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("dicomweb: post %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	// 202 means the remote accepted only part of the request; for a
	// single-instance post that is still a failure.
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dicomweb: post %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// studyInstanceUID pulls 0020,000D out of a Part 10 instance.
func studyInstanceUID(data []byte) (string, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return "", err
	}
	el, err := ds.FindElementByTag(tag.StudyInstanceUID)
	if err != nil {
		return "", errors.New("instance has no Study Instance UID")
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 || vals[0] == "" {
		return "", errors.New("instance has no Study Instance UID")
	}
	return vals[0], nil
}
