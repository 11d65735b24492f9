package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/character-harvester/internal/logging"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// statusRecorder remembers what a handler wrote so the access log and the
// panic handler can see it.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.written += n
	return n, err
}

// LoggingMiddleware tags every request with an id and a worker-scoped logger,
// then writes one access line once the handler returns. Lease traffic is
// constant, so successful requests log at debug.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		logger := logging.WithField("requestId", id)
		if worker := r.Header.Get(WorkerIDHeader); worker != "" {
			logger = logger.WithField("worker", worker)
		}
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(logging.WithLogger(r.Context(), logger)))

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		entry := logger.WithFields(map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"bytes":    rec.written,
			"duration": time.Since(start).String(),
		})
		if rec.status >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	})
}

// RecoveryMiddleware turns a handler panic into a 500 error envelope, unless
// the handler had already started its response.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, ok := w.(*statusRecorder)
		if !ok {
			rec = &statusRecorder{ResponseWriter: w}
		}
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			logging.FromContext(r.Context()).WithField("panic", p).Error("PANIC while serving request")
			if rec.status == 0 {
				respondError(rec, http.StatusInternalServerError, ErrCodeInternalError, "An internal server error occurred", nil)
			}
		}()
		next.ServeHTTP(rec, r)
	})
}

// negotiateEncoding prefers brotli, which workers advertise, over gzip.
func negotiateEncoding(acceptEncoding string) string {
	var gz bool
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch strings.ToLower(name) {
		case "br":
			return "br"
		case "gzip":
			gz = true
		}
	}
	if gz {
		return "gzip"
	}
	return ""
}

// CompressionMiddleware compresses responses with brotli or gzip. The encoder
// is created on the first write so a panicking handler leaves the response
// untouched for RecoveryMiddleware.
func CompressionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Accept-Encoding")

		encoding := negotiateEncoding(r.Header.Get("Accept-Encoding"))
		if encoding == "" {
			next.ServeHTTP(w, r)
			return
		}

		ew := &encodingWriter{ResponseWriter: w, encoding: encoding}
		next.ServeHTTP(ew, r)
		if ew.enc != nil {
			_ = ew.enc.Close()
		}
	})
}

type encodingWriter struct {
	http.ResponseWriter
	encoding string
	enc      io.WriteCloser
}

func (w *encodingWriter) start() {
	if w.enc != nil {
		return
	}
	w.Header().Del("Content-Length")
	w.Header().Set("Content-Encoding", w.encoding)
	if w.encoding == "br" {
		w.enc = brotli.NewWriterLevel(w.ResponseWriter, brotli.DefaultCompression)
	} else {
		w.enc = gzip.NewWriter(w.ResponseWriter)
	}
}

func (w *encodingWriter) WriteHeader(code int) {
	w.start()
	w.ResponseWriter.WriteHeader(code)
}

func (w *encodingWriter) Write(b []byte) (int, error) {
	w.start()
	return w.enc.Write(b)
}
