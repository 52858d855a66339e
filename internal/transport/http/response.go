package httptransport

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"generation-job-service/internal/entity"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, apiError{Code: errCode, Message: msg})
}

// writeServiceErr maps service errors onto the stable error codes clients branch on.
func writeServiceErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entity.ErrLimitExceeded):
		writeErr(w, http.StatusTooManyRequests, entity.CodeLimitExceeded, "usage limit reached for this period")
	case errors.Is(err, entity.ErrInvalidInput):
		writeErr(w, http.StatusBadRequest, entity.CodeInvalidInput, err.Error())
	case errors.Is(err, entity.ErrNotFound):
		writeErr(w, http.StatusNotFound, entity.CodeNotFound, "job not found")
	case errors.Is(err, entity.ErrServerError):
		log.Printf("[http] upstream error=%v", err)
		writeErr(w, http.StatusBadGateway, entity.CodeServerError, "upstream failure")
	default:
		log.Printf("[http] internal error=%v", err)
		writeErr(w, http.StatusInternalServerError, entity.CodeServerError, "internal error")
	}
}
