package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
)

// RespondError maps generic sentinel errors to HTTP responses using RFC7807.
// Domain packages with a richer taxonomy map their own errors first.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		ProblemCode(w, http.StatusNotFound, "Not Found", "NOT_FOUND", err.Error())
	case errors.Is(err, ErrDuplicate):
		ProblemCode(w, http.StatusConflict, "Duplicate", "DUPLICATE", err.Error())
	case errors.Is(err, ErrValidation):
		ProblemCode(w, http.StatusBadRequest, "Validation Failed", "VALIDATION", err.Error())
	case errors.Is(err, ErrUnauthorized):
		ProblemCode(w, http.StatusUnauthorized, "Unauthorized", "UNAUTHORIZED", err.Error())
	default:
		ProblemCode(w, http.StatusInternalServerError, "Internal Error", "INTERNAL", "")
	}
}
