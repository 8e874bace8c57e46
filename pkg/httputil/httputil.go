package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/pharmapos/pharmapos-backend/pkg/errors"
)

// Response is the envelope every endpoint answers with
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorBody carries the stable error code clients switch on
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	// Retryable tells the client a fresh read and resubmit may succeed
	Retryable bool `json:"retryable"`
}

// Meta contains list metadata
type Meta struct {
	Count int `json:"count"`
	Limit int `json:"limit,omitempty"`
	// Version is the product version token the data was read at
	Version int64 `json:"version,omitempty"`
}

func write(w http.ResponseWriter, statusCode int, res Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(res)
}

func ok(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// JSON sends data in the response envelope
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	write(w, statusCode, Response{Success: ok(statusCode), Data: data})
}

// JSONWithMeta sends a list with its metadata
func JSONWithMeta(w http.ResponseWriter, statusCode int, data interface{}, meta *Meta) {
	write(w, statusCode, Response{Success: ok(statusCode), Data: data, Meta: meta})
}

// Created sends a 201 Created response
func Created(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, data)
}

// Error renders err. Anything that is not an AppError becomes a 500 without
// leaking its message; retryable errors get a Retry-After hint.
func Error(w http.ResponseWriter, err error) {
	var appErr *errors.AppError
	if !errors.As(err, &appErr) {
		appErr = errors.Internal("an unexpected error occurred")
	}
	if appErr.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	write(w, appErr.StatusCode, Response{
		Error: &ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Details:   appErr.Details,
			Retryable: appErr.Retryable,
		},
	})
}

// DecodeJSON decodes the request body strictly; unknown fields are rejected
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.BadRequest("invalid JSON body")
	}
	return nil
}
