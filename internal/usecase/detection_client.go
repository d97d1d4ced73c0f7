package usecase

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/karfong/frontend-plastic-detection/internal/detector"
	"github.com/karfong/frontend-plastic-detection/internal/logging"
	"github.com/karfong/frontend-plastic-detection/internal/recycling"
)

var (
	// ErrNoImageSelected is the local validation failure of a submission
	// attempted before any image was picked.
	ErrNoImageSelected = errors.New("no image selected")
	// ErrSubmissionInFlight rejects any transition requested while a
	// detection request is pending.
	ErrSubmissionInFlight = errors.New("detection already in progress")
	// ErrClientClosed is returned once the client has been torn down.
	ErrClientClosed = errors.New("detection client closed")
)

// ServiceError reports that no valid detections array could be obtained.
// RequestID identifies the failed call to the detection service, when known.
type ServiceError struct {
	Err       error
	RequestID string
}

func (e *ServiceError) Error() string {
	return "detection service failure: " + e.Err.Error()
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Phase is the position of the client in its upload lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseReady
	PhasePending
	PhaseResolved
)

func (p Phase) String() string {
	switch p {
	case PhaseReady:
		return "ready"
	case PhasePending:
		return "pending"
	case PhaseResolved:
		return "resolved"
	default:
		return "idle"
	}
}

// Outcome distinguishes the resolved states.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeDetected
	OutcomeEmpty
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDetected:
		return "detected"
	case OutcomeEmpty:
		return "empty"
	case OutcomeFailed:
		return "failed"
	default:
		return "none"
	}
}

// StatusKind sets the tone the status line is rendered with.
type StatusKind int

const (
	StatusNone StatusKind = iota
	StatusWarning
	StatusProgress
	StatusSuccess
	StatusNotRecyclable
	StatusFailure
)

func (k StatusKind) String() string {
	switch k {
	case StatusWarning:
		return "warning"
	case StatusProgress:
		return "progress"
	case StatusSuccess:
		return "success"
	case StatusNotRecyclable:
		return "not_recyclable"
	case StatusFailure:
		return "failure"
	default:
		return "none"
	}
}

// Status is the single human-readable message describing the current phase.
type Status struct {
	Kind StatusKind
	Text string
}

var (
	statusNoImage       = Status{Kind: StatusWarning, Text: "Please select an image before uploading."}
	statusProcessing    = Status{Kind: StatusProgress, Text: "Processing image..."}
	statusComplete      = Status{Kind: StatusSuccess, Text: "Detection complete!"}
	statusNotRecyclable = Status{Kind: StatusNotRecyclable, Text: "This item cannot be recycled."}
	statusFailed        = Status{Kind: StatusFailure, Text: "Error processing image. Please try again."}
)

// Snapshot is the complete client state after one transition. Snapshots are
// never modified once published; callers must not mutate Detections.
type Snapshot struct {
	Phase      Phase
	Outcome    Outcome
	Image      *detector.Image
	Preview    *Preview
	Detections []detector.Detection
	Counts     recycling.Counts
	Status     Status
	Loading    bool
}

// HasImage reports whether an image is selected.
func (s Snapshot) HasImage() bool {
	return s.Image != nil
}

func (s Snapshot) clone() Snapshot {
	if s.Detections != nil {
		s.Detections = append([]detector.Detection(nil), s.Detections...)
	}
	return s
}

// DetectionClient drives one user's upload lifecycle:
// Idle -> Ready -> Pending -> Resolved, back to Ready on a new selection.
// At most one detection request is in flight; every transition publishes a
// fresh Snapshot under the lock.
type DetectionClient struct {
	id       string
	detector detector.Client
	previews PreviewStore
	logger   *zap.Logger

	mu     sync.Mutex
	state  Snapshot
	closed bool
}

// NewDetectionClient constructs an idle client.
func NewDetectionClient(id string, client detector.Client, previews PreviewStore, logger *zap.Logger) *DetectionClient {
	return &DetectionClient{
		id:       id,
		detector: client,
		previews: previews,
		logger:   logger.Named("detection_client").With(zap.String("session_id", id)),
	}
}

// ID returns the session the client belongs to.
func (c *DetectionClient) ID() string {
	return c.id
}

// Snapshot returns the current state.
func (c *DetectionClient) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// SelectImage replaces the selected image and its preview and clears any
// previous results. A nil image is a cancelled pick and changes nothing.
func (c *DetectionClient) SelectImage(ctx context.Context, img *detector.Image) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if img == nil {
		return c.state.clone(), nil
	}
	if c.closed {
		return c.state.clone(), ErrClientClosed
	}
	if c.state.Loading {
		return c.state.clone(), ErrSubmissionInFlight
	}

	selected := *img
	preview := newPreview(uuid.NewString())
	if err := c.previews.Put(ctx, preview.ID, selected); err != nil {
		wrapped := logging.NewOperationError("usecase.select_image", preview.ID, err)
		c.logger.Error("failed to store preview", zap.Error(wrapped))
		return c.state.clone(), wrapped
	}

	superseded := c.state.Preview
	c.state = Snapshot{
		Phase:   PhaseReady,
		Image:   &selected,
		Preview: preview,
	}
	c.releasePreview(ctx, superseded)

	c.logger.Debug("image selected",
		zap.String("filename", selected.Filename),
		zap.String("content_type", selected.ContentType),
		zap.Int("bytes", len(selected.Data)),
	)
	return c.state.clone(), nil
}

// SubmitForDetection sends the selected image to the detection service once
// and records the outcome. The request is detached from ctx cancellation:
// once started it runs until the service answers or the transport gives up.
func (c *DetectionClient) SubmitForDetection(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if c.closed {
		defer c.mu.Unlock()
		return c.state.clone(), ErrClientClosed
	}
	if c.state.Loading {
		defer c.mu.Unlock()
		return c.state.clone(), ErrSubmissionInFlight
	}
	if c.state.Image == nil {
		defer c.mu.Unlock()
		next := c.state
		next.Status = statusNoImage
		c.state = next
		return c.state.clone(), ErrNoImageSelected
	}

	img := *c.state.Image
	pending := c.state
	pending.Phase = PhasePending
	pending.Loading = true
	pending.Status = statusProcessing
	c.state = pending
	c.mu.Unlock()

	detections, err := c.detector.Detect(context.WithoutCancel(ctx), img)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.logger.Debug("discarding detection result after close")
		return c.state.clone(), ErrClientClosed
	}

	next := c.state
	next.Phase = PhaseResolved
	next.Loading = false

	switch {
	case err != nil:
		// Prior detections stay on screen; only the status changes.
		next.Outcome = OutcomeFailed
		next.Status = statusFailed
		err = &ServiceError{Err: err, RequestID: logging.RequestIDOf(err)}
		c.logger.Warn("detection failed", zap.Error(err), zap.String("request_id", logging.RequestIDOf(err)))
	case len(detections) == 0:
		next.Outcome = OutcomeEmpty
		next.Status = statusNotRecyclable
		next.Detections = nil
		next.Counts = recycling.Counts{}
	default:
		next.Outcome = OutcomeDetected
		next.Status = statusComplete
		next.Detections = append([]detector.Detection(nil), detections...)
		next.Counts = recycling.Tally(next.Detections)
		c.logger.Info("detection resolved",
			zap.Int("detections", len(next.Detections)),
			zap.Int("recognized", next.Counts.Total()),
		)
	}

	c.state = next
	return c.state.clone(), err
}

// Close tears the client down and releases its preview. A submission that
// completes afterwards is discarded.
func (c *DetectionClient) Close(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.releasePreview(ctx, c.state.Preview)
	c.state = Snapshot{}
}

func (c *DetectionClient) releasePreview(ctx context.Context, preview *Preview) {
	if preview == nil {
		return
	}
	if err := c.previews.Delete(ctx, preview.ID); err != nil {
		c.logger.Warn("failed to release preview", zap.String("preview_id", preview.ID), zap.Error(err))
	}
}
