package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hray3182/duesync/internal/calsync"
	"github.com/hray3182/duesync/internal/log"
	"github.com/hray3182/duesync/internal/models"
	"github.com/hray3182/duesync/internal/store"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrDueDateTaken),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, calsync.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, calsync.ErrReconnectRequired):
		return http.StatusFailedDependency
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and
// hidden from the client.
func fail(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := statusFor(err)
	requestID := middleware.GetReqID(r.Context())
	if status == http.StatusInternalServerError {
		log.Error(message, err, "request_id", requestID, "route", r.URL.Path)
		writeError(w, status, "internal server error")
		return
	}
	log.Debug(message, "request_id", requestID, "status", status, "err", err)
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", models.ErrValidation, err)
	}
	return nil
}

func idParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s %q is not a valid id", models.ErrValidation, name, raw)
	}
	return id, nil
}

const dateLayout = "2006-01-02"

func parseDate(field, value string) (time.Time, error) {
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD, got %q", models.ErrValidation, field, value)
	}
	return t, nil
}

// dateRange reads from/to query parameters, defaulting to the given window.
func dateRange(r *http.Request, defFrom, defTo time.Time) (time.Time, time.Time, error) {
	from, to := defFrom, defTo
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = parseDate("from", v); err != nil {
			return from, to, err
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = parseDate("to", v); err != nil {
			return from, to, err
		}
	}
	if !to.After(from) {
		return from, to, fmt.Errorf("%w: to must be after from", models.ErrValidation)
	}
	return from, to, nil
}
