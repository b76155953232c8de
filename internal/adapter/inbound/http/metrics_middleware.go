package http

import (
	"net/http"
	"time"
)

// Instrument records duration and outcome for each request passing through
// the API chain. Operational endpoints (/metrics, /health) are excluded.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if operationalPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		m.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		m.RequestsTotal.WithLabelValues(r.Method, outcomeLabel(sw.code())).Inc()
	})
}

func operationalPath(p string) bool {
	return p == "/metrics" || p == "/health"
}

// statusWriter captures the status code on the first WriteHeader call.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

// code resolves the recorded status. A handler that wrote a body without an
// explicit header reports 200.
func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// outcomeLabel collapses status codes into the two-valued outcome label:
// 2xx and 3xx count as ok, everything else as error.
func outcomeLabel(code int) string {
	if code >= 200 && code < 400 {
		return "ok"
	}
	return "error"
}
