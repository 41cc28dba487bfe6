package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrymomot/eventstream/core/stream"
	"github.com/dmitrymomot/eventstream/core/supervisor"
)

// HTTPError is the JSON error body returned by every endpoint.
type HTTPError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// StatusCode returns the HTTP status code for the error.
func (e HTTPError) StatusCode() int {
	return e.Status
}

func badRequest(msg string) HTTPError {
	return HTTPError{Status: http.StatusBadRequest, Code: "bad_request", Message: msg}
}

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{stream.ErrStreamNotFound, http.StatusNotFound, "stream_not_found"},
	{stream.ErrEventNotFound, http.StatusNotFound, "event_not_found"},
	{stream.ErrSubscriberNotFound, http.StatusNotFound, "subscriber_not_found"},
	{stream.ErrAssociationNotFound, http.StatusNotFound, "association_not_found"},
	{supervisor.ErrUnknownUnit, http.StatusNotFound, "processor_not_found"},
	{stream.ErrStreamExists, http.StatusConflict, "stream_exists"},
	{stream.ErrSelfAssociation, http.StatusConflict, "self_association"},
	{stream.ErrAssociationCycle, http.StatusConflict, "association_cycle"},
	{supervisor.ErrAlreadyRunning, http.StatusConflict, "processor_running"},
	{supervisor.ErrNotRunning, http.StatusConflict, "processor_not_running"},
	{stream.ErrInvalidSubscriberKey, http.StatusForbidden, "invalid_subscriber_key"},
	{stream.ErrInvalidStreamName, http.StatusBadRequest, "invalid_stream_name"},
	{stream.ErrInvalidEventType, http.StatusBadRequest, "invalid_event_type"},
	{stream.ErrEmptyBatch, http.StatusBadRequest, "empty_batch"},
	{stream.ErrInvalidWindow, http.StatusBadRequest, "invalid_window"},
	{supervisor.ErrNotSupervising, http.StatusServiceUnavailable, "processors_unavailable"},
}

func toHTTPError(err error) HTTPError {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			return HTTPError{Status: m.status, Code: m.code, Message: err.Error()}
		}
	}
	return HTTPError{
		Status:  http.StatusInternalServerError,
		Code:    "internal_server_error",
		Message: http.StatusText(http.StatusInternalServerError),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if status == http.StatusNoContent {
		return nil
	}
	return json.NewEncoder(w).Encode(v)
}
