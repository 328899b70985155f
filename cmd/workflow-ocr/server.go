package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/g-schmitz/workflow-ocr/internal/config"
	"github.com/g-schmitz/workflow-ocr/internal/ocr"
	"github.com/g-schmitz/workflow-ocr/internal/service"
)

type server struct {
	cfg    config.Config
	svc    *service.Service
	logger *zap.Logger

	requestSem *semaphore.Weighted

	// Forwarding headers are only honored from these peers
	trustedProxies []netip.Prefix

	// Per-IP rate limiters
	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	metrics serverMetrics
}

type serverMetrics struct {
	mu            sync.RWMutex
	totalRequests int64
	activeReqs    int64
	ocrSucceeded  int64
	ocrSkipped    int64
	ocrFailed     int64
}

func (m *serverMetrics) incActive() {
	m.mu.Lock()
	m.activeReqs++
	m.totalRequests++
	m.mu.Unlock()
}
func (m *serverMetrics) decActive() {
	m.mu.Lock()
	m.activeReqs--
	m.mu.Unlock()
}
func (m *serverMetrics) recordOCR(err error) {
	m.mu.Lock()
	switch {
	case err == nil:
		m.ocrSucceeded++
	case errors.Is(err, ocr.ErrOcrAlreadyDone):
		m.ocrSkipped++
	default:
		m.ocrFailed++
	}
	m.mu.Unlock()
}
func (m *serverMetrics) get() (total, active int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalRequests, m.activeReqs
}

func newServer(cfg config.Config, svc *service.Service, logger *zap.Logger) *server {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxConcurrent := cfg.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &server{
		cfg:            cfg,
		svc:            svc,
		logger:         logger,
		requestSem:     semaphore.NewWeighted(maxConcurrent),
		trustedProxies: parseTrustedProxies(cfg.TrustedProxies, logger),
		limiters:       make(map[string]*rate.Limiter),
	}
}

func parseTrustedProxies(entries []string, logger *zap.Logger) []netip.Prefix {
	var out []netip.Prefix
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			a = a.Unmap()
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		logger.Warn("ignoring invalid trusted proxy", zap.String("entry", e))
	}
	return out
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.withInternalAuth(s.handleMetrics))
	mux.HandleFunc("/mimetypes", withMethod("GET", s.handleMimeTypes))

	mux.HandleFunc("/ocr",
		s.withInternalAuth(
			s.withRateLimit(
				withMethod("POST",
					s.withConcurrencyLimit(s.handleOCR)))))

	return s.withLogging(s.withRecovery(mux))
}

func (s *server) httpServer() *http.Server {
	return &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.routes(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
}

func (s *server) cleanupRateLimiters(ctx context.Context) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		total, active := s.metrics.get()
		s.logger.Info("stats",
			zap.Int64("active", active),
			zap.Int64("total", total),
			zap.Int("goroutines", runtime.NumGoroutine()),
			zap.Uint64("memMB", m.Alloc/(1<<20)))

		s.limitersMu.Lock()
		s.limiters = make(map[string]*rate.Limiter)
		s.limitersMu.Unlock()
	}
}

// ---------- Handlers ----------

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, active := s.metrics.get()
	status := "healthy"
	code := http.StatusOK

	ratio := s.cfg.HealthDegradeRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.9
	}

	if s.cfg.MaxConcurrentRequests > 0 && active >= int64(float64(s.cfg.MaxConcurrentRequests)*ratio) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"active":  active,
		"version": version,
	})
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	total, active := s.metrics.get()

	s.metrics.mu.RLock()
	succeeded, skipped, failed := s.metrics.ocrSucceeded, s.metrics.ocrSkipped, s.metrics.ocrFailed
	s.metrics.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"activeRequests": active,
		"totalRequests":  total,
		"ocrSucceeded":   succeeded,
		"ocrSkipped":     skipped,
		"ocrFailed":      failed,
		"goroutines":     runtime.NumGoroutine(),
		"memAllocMB":     m.Alloc / (1 << 20),
	})
}

func (s *server) handleMimeTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"mimeTypes": ocr.MimeTypes()})
}

type ocrResponse struct {
	Success       bool   `json:"success"`
	FileName      string `json:"fileName"`
	MIMEType      string `json:"mimeType"`
	FileExtension string `json:"fileExtension"`
	FileContent   []byte `json:"fileContent"`
	Text          string `json:"text"`
	WordCount     int    `json:"wordCount"`
	CharCount     int    `json:"charCount"`
	DurationMs    int64  `json:"durationMs"`
}

func (s *server) handleOCR(w http.ResponseWriter, r *http.Request) {
	settings, err := settingsFromQuery(r.URL.Query())
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_failed", sanitizeError(err))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxFileBytes+1))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", sanitizeError(err))
		return
	}
	if int64(len(body)) > s.cfg.MaxFileBytes {
		writeErr(w, http.StatusRequestEntityTooLarge, "too_large",
			fmt.Sprintf("file exceeds %dMB limit", s.cfg.MaxFileBytes/(1<<20)))
		return
	}

	fileName := strings.TrimSpace(r.URL.Query().Get("fileName"))
	if fileName == "" {
		fileName = "input.bin"
	}

	out, err := s.svc.Process(r.Context(), fileName, body, settings)
	s.metrics.recordOCR(err)
	if err != nil {
		status, code := classifyOCRError(err)
		writeJSON(w, status, map[string]any{
			"success":  false,
			"code":     code,
			"error":    sanitizeError(err),
			"mimeType": out.MIMEType,
		})
		return
	}

	writeJSON(w, http.StatusOK, ocrResponse{
		Success:       true,
		FileName:      fileName,
		MIMEType:      out.MIMEType,
		FileExtension: out.Result.FileExtension,
		FileContent:   out.Result.FileContent,
		Text:          out.Result.RecognizedText,
		WordCount:     out.WordCount,
		CharCount:     out.CharCount,
		DurationMs:    out.Duration.Milliseconds(),
	})
}

func classifyOCRError(err error) (int, string) {
	var notPossible *ocr.OcrNotPossibleError
	switch {
	case ocr.IsProcessorNotFound(err):
		return http.StatusUnsupportedMediaType, "unsupported_media_type"
	case errors.Is(err, ocr.ErrOcrAlreadyDone):
		return http.StatusConflict, "already_ocred"
	case errors.Is(err, service.ErrEmptyFile):
		return http.StatusBadRequest, "empty_file"
	case errors.Is(err, service.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.As(err, &notPossible):
		return http.StatusUnprocessableEntity, "ocr_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func settingsFromQuery(q url.Values) (config.WorkflowSettings, error) {
	s, err := config.ParseWorkflowSettings(nil)
	if err != nil {
		return s, err
	}
	if v := q.Get("lang"); v != "" {
		s.Languages = config.ParseLanguages(v)
	}
	if v := q.Get("ocrMode"); v != "" {
		s.OcrMode = config.OcrMode(v)
	}
	if v := q.Get("removeBackground"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, fmt.Errorf("removeBackground: %w", err)
		}
		s.RemoveBackground = b
	}
	if v := q.Get("processorCount"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("processorCount: %w", err)
		}
		s.ProcessorCount = n
	}
	s.CustomCliArgs = q.Get("customCliArgs")
	return s, s.Validate()
}

// ---------- Middleware ----------

func withMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method must be "+method)
			return
		}
		next(w, r)
	}
}

func (s *server) withInternalAuth(next http.HandlerFunc) http.HandlerFunc {
	shared := s.cfg.InternalSharedSecret
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Internal-Auth")
		if shared == "" || subtle.ConstantTimeCompare([]byte(got), []byte(shared)) != 1 {
			writeErr(w, http.StatusUnauthorized, "unauthorized", "Invalid authentication")
			return
		}
		next(w, r)
	}
}

func (s *server) withConcurrencyLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requestSem.TryAcquire(1) {
			writeErr(w, http.StatusServiceUnavailable, "capacity", "Service at capacity")
			return
		}
		defer s.requestSem.Release(1)

		s.metrics.incActive()
		defer s.metrics.decActive()

		next(w, r)
	}
}

func (s *server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter(s.clientIP(r)).Allow() {
			w.Header().Set("Retry-After", "60")
			writeErr(w, http.StatusTooManyRequests, "rate_limit", "Rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic", zap.Any("panic", err), zap.String("path", sanitizeLogString(r.URL.Path)))
				writeErr(w, http.StatusInternalServerError, "internal_error", "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &wrapWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", sanitizeLogString(r.URL.Path)),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type wrapWriter struct {
	http.ResponseWriter
	status int
}

func (w *wrapWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ---------- Helpers ----------

func (s *server) rateLimiter(ip string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()

	if l, ok := s.limiters[ip]; ok {
		return l
	}

	every := s.cfg.RateLimitEvery
	if every <= 0 {
		every = 2 * time.Second
	}
	burst := s.cfg.RateLimitBurst
	if burst <= 0 {
		burst = 10
	}

	l := rate.NewLimiter(rate.Every(every), burst)
	s.limiters[ip] = l
	return l
}

// clientIP returns the peer address. X-Forwarded-For and X-Real-IP are
// only used when the peer is a trusted proxy; the forwarded chain is walked
// from the right and the first untrusted hop wins.
func (s *server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.isTrustedProxy(host) {
		return host
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !s.isTrustedProxy(hop) || i == 0 {
				return hop
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return host
}

func (s *server) isTrustedProxy(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = strings.ReplaceAll(msg, os.TempDir(), "[tmp]")
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}

func sanitizeLogString(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
		"code":    code,
	})
}
