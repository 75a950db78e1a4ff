package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gpustack-ui/chat-auth-service/internal/http/response"
	"github.com/gpustack-ui/chat-auth-service/internal/repository"
	"github.com/gpustack-ui/chat-auth-service/internal/service"
)

var (
	errBadRequest = errors.New("bad request")
	errEmptyBody  = fmt.Errorf("%w: request body is empty", errBadRequest)
)

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func pageFromQuery(r *http.Request) repository.PageRequest {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))
	return repository.PageRequest{Page: page, PageSize: size}
}

func uintParam(r *http.Request, name string) (uint, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", errBadRequest, name, raw)
	}
	return uint(v), nil
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
}

// writeServiceError renders the user and preference management errors. Auth
// flows map their own errors because their messages must stay generic.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errBadRequest):
		badRequest(w, r, err)
	case errors.Is(err, service.ErrUserNotFound):
		response.Error(w, r, http.StatusNotFound, "USER_NOT_FOUND", "user not found", nil)
	case errors.Is(err, service.ErrPreferenceNotFound):
		response.Error(w, r, http.StatusNotFound, "PREFERENCE_NOT_FOUND", "preference not found", nil)
	case errors.Is(err, service.ErrUserExists):
		response.Error(w, r, http.StatusConflict, "USER_EXISTS", "username or email already in use", nil)
	case errors.Is(err, service.ErrInvalidUsername), errors.Is(err, service.ErrWeakPassword), errors.Is(err, service.ErrInvalidPreference):
		response.Error(w, r, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error(), nil)
	case errors.Is(err, service.ErrPasswordMismatch):
		response.Error(w, r, http.StatusBadRequest, "PASSWORD_MISMATCH", "current password is incorrect", nil)
	case errors.Is(err, service.ErrExternalAccount):
		response.Error(w, r, http.StatusConflict, "EXTERNAL_ACCOUNT", err.Error(), nil)
	default:
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
	}
}
