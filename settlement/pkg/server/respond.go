package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gagliardetto/solana-go"

	"github.com/powersol/settlement/settlement/pkg/apperr"
)

type errorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

// writeError maps taxonomy errors to their status and reason code. Anything else is
// logged and reported as an opaque internal error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		s.log.Error("server: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.writeJSON(w, status, errorResponse{Error: "internal_error", Kind: apperr.KindUnknown.String(), Message: "internal error"})
		return
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("server: request failed", "method", r.Method, "path", r.URL.Path, "reason", ae.Reason, "error", err)
	} else {
		s.log.Debug("server: request refused", "method", r.Method, "path", r.URL.Path, "reason", ae.Reason, "error", err)
	}
	reason := ae.Reason
	if reason == "" {
		reason = ae.Kind.String()
	}
	s.writeJSON(w, status, errorResponse{Error: reason, Kind: ae.Kind.String(), Message: ae.Message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return apperr.Validation(apperr.ReasonInvalidInput, fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func parseWallet(s string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, apperr.Validation(apperr.ReasonInvalidInput, fmt.Sprintf("invalid wallet %q", s))
	}
	return pk, nil
}
