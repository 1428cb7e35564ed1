package apihttp

import (
	"encoding/json"
	"net/http"

	"github.com/hexpool/ipv6pool/internal/apperrors"
	"go.uber.org/zap"
)

// errorResponse is the wire shape for every non-2xx RPC response.
type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// errorWriter translates apperrors.PoolError into the HTTP status and
// JSON body fixed by the RPC surface's contract.
type errorWriter struct {
	log *zap.SugaredLogger
}

func newErrorWriter(log *zap.SugaredLogger) *errorWriter {
	return &errorWriter{log: log}
}

func (h *errorWriter) writeError(w http.ResponseWriter, r *http.Request, err error) {
	pe, ok := apperrors.As(err)
	if !ok {
		pe = apperrors.Internal("unexpected error", err)
	}

	status := apperrors.ToHTTPStatus(pe.Code)
	requestID := r.Header.Get("X-Request-ID")

	h.log.Warnw("rpc error",
		"code", pe.Code,
		"status", status,
		"message", pe.Message,
		"request_id", requestID,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{
		Error:     string(pe.Code),
		Message:   pe.Message,
		RequestID: requestID,
	})
}

func (h *errorWriter) writeMalformed(w http.ResponseWriter, r *http.Request, reason string) {
	h.writeError(w, r, apperrors.Malformed(reason))
}
