package detectclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/karfong/frontend-plastic-detection/internal/detector"
	"github.com/karfong/frontend-plastic-detection/internal/logging"
)

const (
	// ImageField is the multipart field the detection service reads the upload from.
	ImageField = "image"

	detectPath = "/detect"
	healthPath = "/health"

	maxResponseBytes = 8 << 20
	maxErrorSnippet  = 512
)

// StatusError reports a non-2xx answer from the detection service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("detection service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("detection service returned status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the detection service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ detector.Client = (*Client)(nil)

// New returns a client for the detection service rooted at baseURL. A zero
// timeout leaves requests unbounded.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: timeout}, logger)
}

// NewWithHTTPClient is New with a caller-supplied transport.
func NewWithHTTPClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.Named("detectclient"),
	}
}

// Detect uploads img as multipart form data and returns the detections in
// the order the service produced them. A body without a detections field
// yields an empty, non-nil slice.
func (c *Client) Detect(ctx context.Context, img detector.Image) ([]detector.Detection, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(c.logger, "detectclient.detect", requestID)

	body, contentType, err := encodeImage(img)
	if err != nil {
		return nil, logging.NewOperationError("detectclient.encode", requestID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+detectPath, body)
	if err != nil {
		return nil, logging.NewOperationError("detectclient.new_request", requestID, errors.Wrap(err, "build request"))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("detectclient.detect", requestID, errors.Wrap(err, "send request"))
		opLogger.Error("detection request failed", zap.Error(wrapped))
		return nil, wrapped
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorSnippet))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		wrapped := logging.NewOperationError("detectclient.detect", requestID, statusErr)
		opLogger.Error("detection service rejected request", zap.Error(wrapped), zap.Int("status", resp.StatusCode))
		return nil, wrapped
	}

	out, err := decodeResponse(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		wrapped := logging.NewOperationError("detectclient.decode", requestID, err)
		opLogger.Error("malformed detection response", zap.Error(wrapped))
		return nil, wrapped
	}

	opLogger.Info("detection completed",
		zap.Int("detections", len(out.Detections)),
		zap.Duration("latency", time.Since(start)),
	)
	return out.Detections, nil
}

// Ping checks GET /health on the detection service.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return errors.Wrap(err, "build health request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "detection service unreachable")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorSnippet))

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// decodeResponse accepts exactly one JSON object. A null body, a non-object
// or trailing data after the object is malformed.
func decodeResponse(r io.Reader) (detector.Response, error) {
	var out detector.Response

	raw, err := io.ReadAll(r)
	if err != nil {
		return out, errors.Wrap(err, "read response")
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return out, errors.New("decode response: body is not a JSON object")
	}
	// Unmarshal rejects anything after the top-level value.
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, errors.Wrap(err, "decode response")
	}
	if out.Detections == nil {
		out.Detections = []detector.Detection{}
	}
	return out, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeImage(img detector.Image) (*bytes.Buffer, string, error) {
	filename := img.Filename
	if filename == "" {
		filename = "upload"
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(img.Data)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, ImageField, quoteEscaper.Replace(filename)))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", errors.Wrap(err, "create image part")
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", errors.Wrap(err, "write image part")
	}
	if err := writer.Close(); err != nil {
		return nil, "", errors.Wrap(err, "close multipart writer")
	}
	return body, writer.FormDataContentType(), nil
}
