package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/karfong/frontend-plastic-detection/internal/detector"
)

// SessionRegistry owns one DetectionClient per browser session and tears
// down sessions that stay idle past the timeout.
type SessionRegistry struct {
	detector    detector.Client
	previews    PreviewStore
	logger      *zap.Logger
	idleTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	client   *DetectionClient
	lastSeen time.Time
}

// NewSessionRegistry constructs an empty registry.
func NewSessionRegistry(client detector.Client, previews PreviewStore, idleTimeout time.Duration, logger *zap.Logger) *SessionRegistry {
	return &SessionRegistry{
		detector:    client,
		previews:    previews,
		logger:      logger.Named("sessions"),
		idleTimeout: idleTimeout,
		now:         time.Now,
		sessions:    make(map[string]*sessionEntry),
	}
}

// Previews returns the store previews are served from.
func (r *SessionRegistry) Previews() PreviewStore {
	return r.previews
}

// Client returns the session's client, creating it on first use.
func (r *SessionRegistry) Client(sessionID string) *DetectionClient {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		entry = &sessionEntry{client: NewDetectionClient(sessionID, r.detector, r.previews, r.logger)}
		r.sessions[sessionID] = entry
		r.logger.Debug("session opened", zap.String("session_id", sessionID))
	}
	entry.lastSeen = r.now()
	return entry.client
}

// Len reports the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// EvictIdle closes sessions unused for longer than the idle timeout. Sessions
// with a pending detection are kept until it resolves.
func (r *SessionRegistry) EvictIdle(ctx context.Context) int {
	if r.idleTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTimeout)

	r.mu.Lock()
	var idle []*DetectionClient
	for id, entry := range r.sessions {
		if entry.lastSeen.After(cutoff) || entry.client.Snapshot().Loading {
			continue
		}
		idle = append(idle, entry.client)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, client := range idle {
		client.Close(ctx)
	}
	if len(idle) > 0 {
		r.logger.Info("evicted idle sessions", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Run evicts idle sessions every interval until ctx is done.
func (r *SessionRegistry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle(ctx)
		}
	}
}

// Close tears down every session.
func (r *SessionRegistry) Close(ctx context.Context) {
	r.mu.Lock()
	clients := make([]*DetectionClient, 0, len(r.sessions))
	for id, entry := range r.sessions {
		clients = append(clients, entry.client)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, client := range clients {
		client.Close(ctx)
	}
}
