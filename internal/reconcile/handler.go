package reconcile

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/dunamismax/restoreflow/internal/webhook"
	"github.com/go-chi/chi/v5"
)

// maxBodyOverhead leaves room for the JSON envelope around inline base64 data.
const maxBodyOverhead = 1 << 20

// Handler serves POST /webhooks/{provider}/{attempt_id} for one provider.
func (r *Reconciler) Handler(providerName string) http.Handler {
	limit := r.fetcher.maxBytes/3*4 + maxBodyOverhead
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		attemptID := chi.URLParam(req, "attempt_id")
		token := req.URL.Query().Get(webhook.TokenParam)

		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, limit))
		if err != nil {
			r.logger.Warn().Err(err).
				Str("provider", providerName).
				Str("attempt_id", attemptID).
				Msg("webhook body unreadable")
			writeAck(w, Ack{HTTPStatus: http.StatusOK, Result: ResultInvalid, Error: "unreadable body"})
			return
		}

		writeAck(w, r.Reconcile(req.Context(), providerName, attemptID, token, body))
	})
}

func writeAck(w http.ResponseWriter, ack Ack) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ack.HTTPStatus)
	_ = json.NewEncoder(w).Encode(ack)
}
