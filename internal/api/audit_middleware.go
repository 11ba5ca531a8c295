package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/example/scheduled-ledger/internal/security"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// AuditMiddleware appends every state-changing request to the audit chain. Reads are
// not audited.
func AuditMiddleware(a Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			dur := time.Since(start)

			cid := security.CorrelationIDFromContext(r.Context())
			payload := fmt.Sprintf("http cid=%s method=%s path=%s status=%d dur_ms=%d tx=%s",
				cid, r.Method, r.URL.Path, sw.status, dur.Milliseconds(), sw.Header().Get(transactionIDHeader))
			a.Append(payload)
		})
	}
}
