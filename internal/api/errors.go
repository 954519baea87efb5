package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"village/internal/domain"
	"village/internal/registry"
)

const (
	codeBadRequest         = "bad_request"
	codeUnauthenticated    = "unauthenticated"
	codeResourceNotFound   = "resource_not_found"
	codeReservationMissing = "reservation_not_found"
	codeInvalidRange       = "invalid_range"
	codeOverlap            = "overlap_conflict"
	codeInvalidTransition  = "invalid_state_transition"
	codeNotAuthorized      = "not_authorized"
	codeNotSeller          = "not_seller"
	codeUnavailable        = "storage_unavailable"
	codeInternal           = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeDomainError maps service errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrResourceNotFound):
		return http.StatusNotFound, codeResourceNotFound
	case errors.Is(err, domain.ErrReservationNotFound):
		return http.StatusNotFound, codeReservationMissing
	case errors.Is(err, domain.ErrInvalidRange):
		return http.StatusBadRequest, codeInvalidRange
	case errors.Is(err, registry.ErrInvalidProduct):
		return http.StatusBadRequest, codeBadRequest
	case errors.Is(err, domain.ErrOverlapConflict):
		return http.StatusConflict, codeOverlap
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusConflict, codeInvalidTransition
	case errors.Is(err, domain.ErrNotAuthorized):
		return http.StatusForbidden, codeNotAuthorized
	case errors.Is(err, domain.ErrNotSeller):
		return http.StatusForbidden, codeNotSeller
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, codeUnavailable
	}
	return http.StatusInternalServerError, codeInternal
}
