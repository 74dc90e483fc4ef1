package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"optiver-forecast/apperr"
	"optiver-forecast/logger"
	"optiver-forecast/pagination"
)

const maxBodyBytes = 64 << 20

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind   apperr.Kind `json:"kind"`
	Detail string      `json:"detail"`
}

// messageResponse is the body of simple acknowledgements.
type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError logs err and renders it with the status of its kind. Details
// of dependency and internal failures are not exposed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	log := logger.FromContext(r.Context(), logger.NewNop())
	if status >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), err, logger.NewField("path", r.URL.Path))
	} else {
		log.Debug("request failed",
			logger.NewField("path", r.URL.Path),
			logger.NewField("kind", string(kind)),
			logger.NewField("error", err.Error()),
		)
	}

	writeJSON(w, status, errorResponse{Error: errorDetail{Kind: kind, Detail: apperr.Detail(err)}})
}

// decodeJSON reads the body into dst and validates it.
func (s *Server) decodeJSON(r *http.Request, dst any) error {
	return decodeAndValidate(r, s.validate, dst)
}

func decodeAndValidate(r *http.Request, v *validator.Validate, dst any) error {
	if err := decodeBody(r, dst); err != nil {
		return err
	}
	if err := v.Struct(dst); err != nil {
		return apperr.Validation("%s", validationMessage(err))
	}
	return nil
}

// decodeBody reads the JSON body into dst without validating it.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		return apperr.Wrap(apperr.KindValidation, err, "Invalid request body")
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Namespace()+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

// optionalInt parses an optional integer query parameter. A present but
// malformed value is an error; zero is a value, not absence.
func optionalInt(q url.Values, key string) (*int, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, apperr.Validation("%s must be an integer, got %q", key, raw)
	}
	return &n, nil
}

func optionalInt64(q url.Values, key string) (*int64, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, apperr.Validation("%s must be an integer, got %q", key, raw)
	}
	return &n, nil
}

func optionalString(q url.Values, key string) *string {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return nil
	}
	return &raw
}

// dateIDParam parses a date id path parameter.
func dateIDParam(r *http.Request) (int, error) {
	raw := r.PathValue("date_id")
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.InvalidDateID("date_id must be an integer, got %q", raw)
	}
	if n < 0 {
		return 0, apperr.InvalidDateID("date_id must be non-negative, got %d", n)
	}
	return n, nil
}

func int64Param(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer, got %q", name, raw)
	}
	return n, nil
}

// pageRequest reads page and page_size with the configured limits.
func (s *Server) pageRequest(r *http.Request) (pagination.Request, error) {
	return pagination.RequestFromQuery(r.URL.Query(), s.cfg.DefaultPageSize, s.cfg.MaxPageSize)
}
