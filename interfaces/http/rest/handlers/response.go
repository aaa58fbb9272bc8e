package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	pkgerrors "github.com/cybersemics/em-sub013/pkg/errors"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error     bool   `json:"error"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Status    int    `json:"status"`
	Retryable bool   `json:"retryable,omitempty"`
}

func respondJSON(w http.ResponseWriter, logger *zap.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, logger *zap.Logger, status int, message string) {
	respondJSON(w, logger, status, ErrorResponse{Error: true, Message: message, Status: status})
}

// respondErr maps err onto a status through the error chain
func respondErr(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := pkgerrors.HTTPStatus(err)
	resp := ErrorResponse{Error: true, Message: err.Error(), Status: status}
	if de := pkgerrors.GetDomainError(err); de != nil {
		resp.Code = de.Code
		resp.Message = de.Message
		resp.Retryable = de.Retryable
	} else if ae := pkgerrors.GetAppError(err); ae != nil {
		resp.Code = ae.Code
		resp.Message = ae.Message
	}
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", zap.Error(err))
	}
	respondJSON(w, logger, status, resp)
}
