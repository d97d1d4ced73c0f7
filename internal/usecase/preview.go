package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/karfong/frontend-plastic-detection/internal/detector"
)

// PreviewPathPrefix is the route under which preview bytes are served.
const PreviewPathPrefix = "/previews/"

// ErrPreviewNotFound is returned for previews that were never stored or
// have been released.
var ErrPreviewNotFound = errors.New("preview not found")

// Preview is a locally resolvable reference to the selected image.
type Preview struct {
	ID  string
	URL string
}

func newPreview(id string) *Preview {
	return &Preview{ID: id, URL: PreviewPathPrefix + id}
}

// PreviewStore holds preview bytes between acquisition and release.
type PreviewStore interface {
	Put(ctx context.Context, id string, img detector.Image) error
	Get(ctx context.Context, id string) (detector.Image, error)
	Delete(ctx context.Context, id string) error
}

// MemoryPreviewStore keeps previews in process memory.
type MemoryPreviewStore struct {
	mu     sync.RWMutex
	images map[string]detector.Image
}

// NewMemoryPreviewStore constructs an empty in-memory store.
func NewMemoryPreviewStore() *MemoryPreviewStore {
	return &MemoryPreviewStore{images: make(map[string]detector.Image)}
}

func (s *MemoryPreviewStore) Put(_ context.Context, id string, img detector.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[id] = img
	return nil
}

func (s *MemoryPreviewStore) Get(_ context.Context, id string) (detector.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[id]
	if !ok {
		return detector.Image{}, ErrPreviewNotFound
	}
	return img, nil
}

func (s *MemoryPreviewStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.images, id)
	return nil
}

// Len reports how many previews are currently held.
func (s *MemoryPreviewStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.images)
}

const (
	previewKeyPrefix = "preview:"
	fieldContentType = "content_type"
	fieldFilename    = "filename"
	fieldData        = "data"
)

// RedisPreviewStore keeps previews in Redis hashes. The TTL only bounds
// previews whose owner disappeared without releasing them.
type RedisPreviewStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	retry  retryPolicy
}

// NewRedisPreviewStore constructs a Redis-backed preview store.
func NewRedisPreviewStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisPreviewStore {
	return &RedisPreviewStore{
		client: client,
		ttl:    ttl,
		logger: logger.Named("preview_store"),
		retry:  defaultRetryPolicy(),
	}
}

func (s *RedisPreviewStore) Put(ctx context.Context, id string, img detector.Image) error {
	key := previewKeyPrefix + id
	return s.retry.do(ctx, s.logger, "preview.put", id, func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldContentType, img.ContentType,
				fieldFilename, img.Filename,
				fieldData, img.Data,
			)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		return err
	})
}

func (s *RedisPreviewStore) Get(ctx context.Context, id string) (detector.Image, error) {
	var fields map[string]string
	err := s.retry.do(ctx, s.logger, "preview.get", id, func() error {
		values, err := s.client.HGetAll(ctx, previewKeyPrefix+id).Result()
		if err != nil {
			return err
		}
		fields = values
		return nil
	})
	if err != nil {
		return detector.Image{}, err
	}
	data, ok := fields[fieldData]
	if !ok {
		return detector.Image{}, ErrPreviewNotFound
	}
	return detector.Image{
		Filename:    fields[fieldFilename],
		ContentType: fields[fieldContentType],
		Data:        []byte(data),
	}, nil
}

func (s *RedisPreviewStore) Delete(ctx context.Context, id string) error {
	return s.retry.do(ctx, s.logger, "preview.delete", id, func() error {
		return s.client.Del(ctx, previewKeyPrefix+id).Err()
	})
}
