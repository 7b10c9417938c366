package metrics

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// ResponseRecorder wraps an http.ResponseWriter to capture the final status
// code while preserving optional interfaces like Hijacker and Flusher.
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	bytes       int64
}

// NewResponseRecorder constructs a ResponseRecorder defaulting the status code
// to 200 OK when WriteHeader is not invoked by the handler.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

// Status exposes the last status code written to the response.
func (rr *ResponseRecorder) Status() int {
	return rr.status
}

// WriteHeader keeps the first status code written, matching what the client
// actually receives.
func (rr *ResponseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Write(p []byte) (int, error) {
	if !rr.wroteHeader {
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(p)
	rr.bytes += int64(n)
	return n, err
}

// BytesWritten reports the body bytes written through the recorder.
func (rr *ResponseRecorder) BytesWritten() int64 {
	return rr.bytes
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// Flush flushes the response when supported by the underlying writer.
func (rr *ResponseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack preserves HTTP/1.1 connection hijacking when available.
func (rr *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rr.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// ReadFrom streams data efficiently when supported by the underlying writer.
func (rr *ResponseRecorder) ReadFrom(r io.Reader) (int64, error) {
	rr.wroteHeader = true
	var (
		n   int64
		err error
	)
	if readerFrom, ok := rr.ResponseWriter.(io.ReaderFrom); ok {
		n, err = readerFrom.ReadFrom(r)
	} else {
		n, err = io.Copy(rr.ResponseWriter, r)
	}
	rr.bytes += n
	return n, err
}

// RoutePattern returns the chi route pattern that matched r, or "" when the
// request was not routed by chi.
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// HTTPMiddleware records request metrics around next. When the request was
// routed by chi the route pattern is used as the path label.
func HTTPMiddleware(recorder *Recorder) func(http.Handler) http.Handler {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rr := NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(rr, r)
			path := RoutePattern(r)
			if path == "" {
				path = r.URL.Path
			}
			rec.ObserveRequest(r.Method, path, rr.Status(), time.Since(start))
		})
	}
}
