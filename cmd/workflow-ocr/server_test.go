package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-schmitz/workflow-ocr/internal/config"
	"github.com/g-schmitz/workflow-ocr/internal/ocr"
	"github.com/g-schmitz/workflow-ocr/internal/service"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var testPDF = []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n%%EOF\n")

type fakeProcessor struct {
	err error

	mu       sync.Mutex
	settings config.WorkflowSettings
}

func (f *fakeProcessor) Ocrize(ctx context.Context, content []byte, settings config.WorkflowSettings) (ocr.Result, error) {
	f.mu.Lock()
	f.settings = settings
	f.mu.Unlock()
	if f.err != nil {
		return ocr.Result{}, f.err
	}
	return ocr.Result{FileContent: []byte("%PDF-ocr"), FileExtension: "pdf", RecognizedText: "hello searchable world"}, nil
}

func testServerConfig() config.Config {
	return config.Config{
		Port:                  "0",
		InternalSharedSecret:  testSecret,
		OCRTimeout:            time.Minute,
		MaxFileBytes:          1 << 20,
		MaxConcurrentRequests: 4,
		MaxOCRConcurrent:      2,
		RateLimitEvery:        time.Millisecond,
		RateLimitBurst:        100,
		HealthDegradeRatio:    0.9,
	}
}

func newTestServer(t *testing.T, cfg config.Config, proc *fakeProcessor) http.Handler {
	t.Helper()
	factory := ocr.NewFactory(ocr.ContainerFunc(func(ocr.Kind) (ocr.Processor, error) { return proc, nil }))
	return newServer(cfg, service.New(factory, cfg, nil), nil).routes()
}

func ocrRequest(body []byte, query url.Values) *http.Request {
	target := "/ocr"
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set("X-Internal-Auth", testSecret)
	req.RemoteAddr = "10.0.0.1:1234"
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestOCRRequiresAuth(t *testing.T) {
	h := newTestServer(t, testServerConfig(), &fakeProcessor{})

	req := ocrRequest(testPDF, nil)
	req.Header.Set("X-Internal-Auth", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode(t, rec)["code"])
}

func TestOCRRejectsWrongMethod(t *testing.T) {
	h := newTestServer(t, testServerConfig(), &fakeProcessor{})

	req := httptest.NewRequest(http.MethodGet, "/ocr", nil)
	req.Header.Set("X-Internal-Auth", testSecret)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST", rec.Header().Get("Allow"))
}

func TestOCRReturnsSearchablePDF(t *testing.T) {
	h := newTestServer(t, testServerConfig(), &fakeProcessor{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, ocrRequest(testPDF, url.Values{"fileName": {"scan.pdf"}}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ocrResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "scan.pdf", resp.FileName)
	assert.Equal(t, "application/pdf", resp.MIMEType)
	assert.Equal(t, "pdf", resp.FileExtension)
	assert.Equal(t, []byte("%PDF-ocr"), resp.FileContent)
	assert.Equal(t, 3, resp.WordCount)

	raw := decode(t, rec)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("%PDF-ocr")), raw["fileContent"])
}

func TestOCRPassesQuerySettings(t *testing.T) {
	proc := &fakeProcessor{}
	h := newTestServer(t, testServerConfig(), proc)

	q := url.Values{
		"lang":             {"deu+eng"},
		"ocrMode":          {"force-ocr"},
		"removeBackground": {"true"},
		"customCliArgs":    {"--rotate-pages"},
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, ocrRequest(testPDF, q))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, []string{"deu", "eng"}, proc.settings.Languages)
	assert.Equal(t, config.OcrModeForceOcr, proc.settings.OcrMode)
	assert.True(t, proc.settings.RemoveBackground)
	assert.Equal(t, "--rotate-pages", proc.settings.CustomCliArgs)
}

func TestOCRRejectsInvalidSettings(t *testing.T) {
	h := newTestServer(t, testServerConfig(), &fakeProcessor{})

	for _, q := range []url.Values{
		{"ocrMode": {"sometimes"}},
		{"removeBackground": {"maybe"}},
		{"processorCount": {"-2"}},
		{"customCliArgs": {"--sidecar=/tmp/owned.txt"}},
		{"customCliArgs": {"--plugin=evil.py"}},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, ocrRequest(testPDF, q))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q.Encode())
	}
}

func TestOCRErrorStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		body   []byte
		err    error
		status int
		code   string
	}{
		{"unsupported", []byte("just plain text"), nil, http.StatusUnsupportedMediaType, "unsupported_media_type"},
		{"already done", testPDF, ocr.ErrOcrAlreadyDone, http.StatusConflict, "already_ocred"},
		{"ocr failed", testPDF, &ocr.OcrNotPossibleError{Message: "bad input", ExitCode: 2}, http.StatusUnprocessableEntity, "ocr_failed"},
		{"empty", nil, nil, http.StatusBadRequest, "empty_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, testServerConfig(), &fakeProcessor{err: tt.err})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, ocrRequest(tt.body, nil))

			assert.Equal(t, tt.status, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestOCRRejectsOversizedBody(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxFileBytes = 16
	h := newTestServer(t, cfg, &fakeProcessor{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, ocrRequest(testPDF, nil))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestOCRRateLimitsPerClient(t *testing.T) {
	cfg := testServerConfig()
	cfg.RateLimitEvery = time.Hour
	cfg.RateLimitBurst = 1
	h := newTestServer(t, cfg, &fakeProcessor{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, ocrRequest(testPDF, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, ocrRequest(testPDF, nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	other := ocrRequest(testPDF, nil)
	other.RemoteAddr = "10.0.0.2:1234"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthDegradesNearCapacity(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxConcurrentRequests = 1
	factory := ocr.NewFactory(ocr.ContainerFunc(func(ocr.Kind) (ocr.Processor, error) { return &fakeProcessor{}, nil }))
	s := newServer(cfg, service.New(factory, cfg, nil), nil)
	h := s.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	s.metrics.incActive()
	defer s.metrics.decActive()

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestMimeTypesEndpoint(t *testing.T) {
	h := newTestServer(t, testServerConfig(), &fakeProcessor{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mimetypes", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		MimeTypes []string `json:"mimeTypes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ocr.MimeTypes(), body.MimeTypes)
}

func TestMetricsRequiresAuth(t *testing.T) {
	h := newTestServer(t, testServerConfig(), &fakeProcessor{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Internal-Auth", testSecret)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIPIgnoresForwardedHeadersFromUntrustedPeers(t *testing.T) {
	s := newServer(testServerConfig(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	assert.Equal(t, "192.0.2.7", s.clientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.1")
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	assert.Equal(t, "192.0.2.7", s.clientIP(req))
}

func TestClientIPBehindTrustedProxy(t *testing.T) {
	cfg := testServerConfig()
	cfg.TrustedProxies = []string{"10.0.0.0/8", "192.0.2.1", "not-an-ip"}
	s := newServer(cfg, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", s.clientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.1")
	assert.Equal(t, "198.51.100.1", s.clientIP(req))

	// the left-most entry is client controlled; the right-most untrusted hop wins
	req.Header.Set("X-Forwarded-For", "1.1.1.1, 203.0.113.5, 10.9.9.9")
	assert.Equal(t, "203.0.113.5", s.clientIP(req))

	req.RemoteAddr = "192.0.2.1:80"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", s.clientIP(req))
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	cfg := testServerConfig()
	cfg.RateLimitEvery = time.Hour
	cfg.RateLimitBurst = 1
	h := newTestServer(t, cfg, &fakeProcessor{})

	first := ocrRequest(testPDF, nil)
	first.Header.Set("X-Forwarded-For", "203.0.113.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	second := ocrRequest(testPDF, nil)
	second.Header.Set("X-Forwarded-For", "203.0.113.2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, second)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestSanitizeLogString(t *testing.T) {
	assert.Equal(t, "ab", sanitizeLogString("a\r\nb"))
	assert.Len(t, sanitizeLogString(string(bytes.Repeat([]byte("x"), 500))), 203)
}

func TestMetricsCountSkippedSeparately(t *testing.T) {
	cfg := testServerConfig()
	proc := &fakeProcessor{}
	factory := ocr.NewFactory(ocr.ContainerFunc(func(ocr.Kind) (ocr.Processor, error) { return proc, nil }))
	h := newServer(cfg, service.New(factory, cfg, nil), nil).routes()

	for _, err := range []error{nil, ocr.ErrOcrAlreadyDone, &ocr.OcrNotPossibleError{Message: "bad", ExitCode: 2}} {
		proc.err = err
		h.ServeHTTP(httptest.NewRecorder(), ocrRequest(testPDF, nil))
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Internal-Auth", testSecret)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, float64(1), body["ocrSucceeded"])
	assert.Equal(t, float64(1), body["ocrSkipped"])
	assert.Equal(t, float64(1), body["ocrFailed"])
}
