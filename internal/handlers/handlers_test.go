package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/karfong/frontend-plastic-detection/internal/auth"
	"github.com/karfong/frontend-plastic-detection/internal/detector"
	"github.com/karfong/frontend-plastic-detection/internal/logging"
	"github.com/karfong/frontend-plastic-detection/internal/usecase"
)

const testSessionSecret = "test-secret"

type stubDetector struct {
	detections []detector.Detection
	err        error
	calls      int
}

func (s *stubDetector) Detect(ctx context.Context, img detector.Image) ([]detector.Detection, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.detections, nil
}

type testServer struct {
	router   *gin.Engine
	detector *stubDetector
	previews *usecase.MemoryPreviewStore
	cookie   *http.Cookie
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize

	sessions, err := auth.NewSessions(testSessionSecret, time.Hour)
	if err != nil {
		t.Fatalf("new sessions: %v", err)
	}

	stub := &stubDetector{}
	previews := usecase.NewMemoryPreviewStore()
	registry := usecase.NewSessionRegistry(stub, previews, time.Hour, zap.NewNop())
	RegisterRoutes(router, registry, sessions.Middleware(), zap.NewNop())

	return &testServer{router: router, detector: stub, previews: previews}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if s.cookie != nil {
		req.AddCookie(s.cookie)
	}
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	for _, cookie := range resp.Result().Cookies() {
		if cookie.Name == auth.CookieName {
			s.cookie = cookie
		}
	}
	return resp
}

func (s *testServer) upload(t *testing.T, path, contentType string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, formType := buildMultipartBody(t, contentType, payload)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", formType)
	return s.do(t, req)
}

func (s *testServer) state(t *testing.T) stateView {
	t.Helper()
	resp := s.do(t, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("state: unexpected status %d", resp.Code)
	}
	return decodeState(t, resp.Body.Bytes())
}

func decodeState(t *testing.T, body []byte) stateView {
	t.Helper()
	var view stateView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode state: %v (%s)", err, body)
	}
	return view
}

func TestSelectRejectsLargeUpload(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.upload(t, "/select", "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if srv.previews.Len() != 0 {
		t.Fatal("rejected upload must not create a preview")
	}
}

func TestSelectRejectsUnsupportedContentType(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.upload(t, "/api/select", "text/plain", []byte("hello"))

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestSelectWithoutFileIsNoop(t *testing.T) {
	srv := newTestServer(t)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("other", "value"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/select", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp := srv.do(t, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if view := decodeState(t, resp.Body.Bytes()); view.Phase != "idle" || view.Image != nil {
		t.Fatalf("expected idle state, got %+v", view)
	}
}

func TestDetectWithoutImageWarns(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, httptest.NewRequest(http.MethodPost, "/api/detect", nil))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if srv.detector.calls != 0 {
		t.Fatal("detection service must not be called without an image")
	}
	var body struct {
		Error string    `json:"error"`
		State stateView `json:"state"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.State.Status.Kind != "warning" {
		t.Fatalf("expected warning status, got %+v", body.State.Status)
	}
}

func TestSelectAndDetectFlow(t *testing.T) {
	srv := newTestServer(t)
	srv.detector.detections = []detector.Detection{
		{Class: "HDPE Bottle", Confidence: 0.81, BBox: []float64{1, 2, 3, 4}},
		{Class: "Cardboard", Confidence: 0.64, BBox: []float64{5, 6, 7, 8}},
	}

	resp := srv.upload(t, "/select", "image/png", []byte("\x89PNG\r\n\x1a\nfake"))
	if resp.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", resp.Code)
	}

	view := srv.state(t)
	if view.Phase != "ready" || view.PreviewURL == "" {
		t.Fatalf("expected ready state with preview, got %+v", view)
	}

	preview := srv.do(t, httptest.NewRequest(http.MethodGet, view.PreviewURL, nil))
	if preview.Code != http.StatusOK || preview.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected preview response %d %s", preview.Code, preview.Header().Get("Content-Type"))
	}

	resp = srv.do(t, httptest.NewRequest(http.MethodPost, "/detect", nil))
	if resp.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", resp.Code)
	}

	page := srv.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	if page.Code != http.StatusOK {
		t.Fatalf("unexpected page status %d", page.Code)
	}
	html := page.Body.String()
	for _, want := range []string{"Detection complete!", "HDPE Bottle", "Cardboard", "Recyclable Items Detected: 1", "This item is recyclable! (HDPE)", "[1,2,3,4]"} {
		if !strings.Contains(html, want) {
			t.Fatalf("page missing %q", want)
		}
	}
	if strings.Count(html, "This item is recyclable!") != 1 {
		t.Fatal("only the HDPE entry should be marked recyclable")
	}

	view = srv.state(t)
	if view.RecognizedTotal != 1 || len(view.Detections) != 2 || view.Detections[1].Recyclable {
		t.Fatalf("unexpected state %+v", view)
	}
	for _, count := range view.Counts {
		want := 0
		if count.Category == "HDPE" {
			want = 1
		}
		if count.Count != want {
			t.Fatalf("unexpected count for %s: %d", count.Category, count.Count)
		}
	}
}

func TestDetectServiceFailureKeepsResults(t *testing.T) {
	srv := newTestServer(t)
	srv.detector.detections = []detector.Detection{{Class: "PET Bottle", Confidence: 0.92, BBox: []float64{1, 2, 3, 4}}}

	srv.upload(t, "/api/select", "image/jpeg", []byte("jpeg"))
	if resp := srv.do(t, httptest.NewRequest(http.MethodPost, "/api/detect", nil)); resp.Code != http.StatusOK {
		t.Fatalf("expected success, got %d", resp.Code)
	}

	srv.detector.err = logging.NewOperationError("detectclient.detect", "req-42",
		errors.New("dial tcp 127.0.0.1:5000: connection refused"))
	resp := srv.do(t, httptest.NewRequest(http.MethodPost, "/api/detect", nil))
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected status %d, got %d", http.StatusBadGateway, resp.Code)
	}
	if strings.Contains(resp.Body.String(), "connection refused") {
		t.Fatal("failure cause must not reach the user")
	}
	var failure struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &failure); err != nil || failure.RequestID != "req-42" {
		t.Fatalf("expected request id in failure body, got %q (%v)", failure.RequestID, err)
	}

	view := srv.state(t)
	if view.Status.Kind != "failure" || view.Loading || len(view.Detections) != 1 {
		t.Fatalf("unexpected state %+v", view)
	}
}

func TestDetectEmptyResultIsNotRecyclable(t *testing.T) {
	srv := newTestServer(t)
	srv.detector.detections = []detector.Detection{}

	srv.upload(t, "/api/select", "image/jpeg", []byte("jpeg"))
	resp := srv.do(t, httptest.NewRequest(http.MethodPost, "/api/detect", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.Code)
	}

	view := decodeState(t, resp.Body.Bytes())
	if view.Status.Text != "This item cannot be recycled." || len(view.Detections) != 0 || view.RecognizedTotal != 0 {
		t.Fatalf("unexpected state %+v", view)
	}
}

func TestPreviewIsScopedToSession(t *testing.T) {
	owner := newTestServer(t)
	resp := owner.upload(t, "/api/select", "image/png", []byte("png"))
	url := decodeState(t, resp.Body.Bytes()).PreviewURL

	stranger := &testServer{router: owner.router}
	if resp := stranger.do(t, httptest.NewRequest(http.MethodGet, url, nil)); resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d for foreign session, got %d", http.StatusNotFound, resp.Code)
	}

	owner.upload(t, "/api/select", "image/png", []byte("png-2"))
	if resp := owner.do(t, httptest.NewRequest(http.MethodGet, url, nil)); resp.Code != http.StatusNotFound {
		t.Fatalf("expected superseded preview to be gone, got %d", resp.Code)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.Code)
	}
	if srv.cookie != nil {
		t.Fatal("health check must not start a session")
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}
