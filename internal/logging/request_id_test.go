package logging_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/karfong/frontend-plastic-detection/internal/detectclient"
	"github.com/karfong/frontend-plastic-detection/internal/detector"
	"github.com/karfong/frontend-plastic-detection/internal/logging"
)

func TestRequestIDOfDetectionServiceFailure(t *testing.T) {
	sentCh := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sentCh <- r.Header.Get("X-Request-ID")
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := detectclient.New(srv.URL, time.Second, zap.NewNop())
	_, err := client.Detect(context.Background(), detector.Image{ContentType: "image/png", Data: []byte("png")})
	if err == nil {
		t.Fatal("expected error")
	}

	sent := <-sentCh

	var statusErr *detectclient.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected StatusError in chain, got %v", err)
	}
	if sent == "" || logging.RequestIDOf(err) != sent {
		t.Fatalf("expected request id %q, got %q", sent, logging.RequestIDOf(err))
	}

	outer := logging.NewOperationError("usecase.submit", "", err)
	if got := logging.RequestIDOf(outer); got != sent {
		t.Fatalf("expected inner request id %q through outer wrapper, got %q", sent, got)
	}
}

func TestRequestIDOfPlainErrors(t *testing.T) {
	if got := logging.RequestIDOf(nil); got != "" {
		t.Fatalf("expected empty id for nil, got %q", got)
	}
	if got := logging.RequestIDOf(errors.New("boom")); got != "" {
		t.Fatalf("expected empty id for plain error, got %q", got)
	}
	if got := logging.RequestIDOf(logging.NewOperationError("preview.put", "", errors.New("boom"))); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
}
