package movement

import (
	"context"
	"errors"
	"fmt"

	"github.com/odyssey-erp/stockledger/internal/balance"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/sequence"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("movement: validation failed")
	// ErrStateConflict is matched by every *StateConflictError.
	ErrStateConflict = errors.New("movement: invalid state transition")
	// ErrInsufficientStock is matched by balance shortfalls raised while posting.
	ErrInsufficientStock = balance.ErrInsufficientStock
	// ErrDuplicateOperation is matched by every *DuplicateOperationError.
	ErrDuplicateOperation = errors.New("movement: duplicate operation")
	// ErrNotFound indicates the document does not exist.
	ErrNotFound = errors.New("movement: not found")
	// ErrUnauthorized is returned when no actor is present.
	ErrUnauthorized = errors.New("movement: actor required")
	// ErrInfrastructure is matched by every *InfrastructureError.
	ErrInfrastructure = errors.New("movement: infrastructure failure")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StateConflictError reports an action attempted from the wrong status.
type StateConflictError struct {
	DocNumber string
	Action    string
	Status    Status
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s %s: document is %s", e.Action, e.DocNumber, e.Status)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// DuplicateOperationError reports a generated document that already exists.
type DuplicateOperationError struct {
	Operation string
	DocNumber string
	Existing  string
}

func (e *DuplicateOperationError) Error() string {
	if e.Existing == "" {
		return fmt.Sprintf("%s for %s already in progress", e.Operation, e.DocNumber)
	}
	return fmt.Sprintf("%s for %s already exists as %s", e.Operation, e.DocNumber, e.Existing)
}

func (e *DuplicateOperationError) Unwrap() error { return ErrDuplicateOperation }

// InfrastructureError wraps storage failures. When Retryable is true the
// whole operation can be repeated: nothing was committed.
type InfrastructureError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() []error { return []error{ErrInfrastructure, e.Err} }

// classify leaves domain errors untouched and wraps everything else.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrStateConflict),
		errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrDuplicateOperation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrInfrastructure):
		return err
	case errors.Is(err, balance.ErrInvalidQuantity):
		return &ValidationError{Field: "qty", Reason: err.Error()}
	case errors.Is(err, sequence.ErrUnknownDocType):
		return &InfrastructureError{Op: op, Err: err}
	}
	return &InfrastructureError{
		Op:        op,
		Err:       err,
		Retryable: db.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded),
	}
}

// Outcome codes.
const (
	CodeOK                 = "OK"
	CodeValidation         = "VALIDATION"
	CodeStateConflict      = "STATE_CONFLICT"
	CodeInsufficientStock  = "INSUFFICIENT_STOCK"
	CodeDuplicateOperation = "DUPLICATE_OPERATION"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInfrastructure     = "INFRASTRUCTURE"
)

// Outcome is the structured result handed to callers instead of raw errors.
type Outcome struct {
	Success   bool   `json:"success"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// OutcomeOf converts err into an Outcome. Infrastructure details are not
// exposed; everything else carries its concrete reason.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return Outcome{Success: true, Code: CodeOK}
	}
	var infra *InfrastructureError
	switch {
	case errors.As(err, &infra):
		msg := "temporary failure, nothing was changed"
		if infra.Retryable {
			msg += "; retry the operation"
		}
		return Outcome{Code: CodeInfrastructure, Message: msg, Retryable: infra.Retryable}
	case errors.Is(err, ErrValidation):
		return Outcome{Code: CodeValidation, Message: err.Error()}
	case errors.Is(err, ErrStateConflict):
		return Outcome{Code: CodeStateConflict, Message: err.Error()}
	case errors.Is(err, ErrInsufficientStock):
		return Outcome{Code: CodeInsufficientStock, Message: err.Error()}
	case errors.Is(err, ErrDuplicateOperation):
		return Outcome{Code: CodeDuplicateOperation, Message: err.Error()}
	case errors.Is(err, ErrNotFound):
		return Outcome{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, ErrUnauthorized):
		return Outcome{Code: CodeUnauthorized, Message: err.Error()}
	}
	return Outcome{Code: CodeInfrastructure, Message: "temporary failure, nothing was changed"}
}
