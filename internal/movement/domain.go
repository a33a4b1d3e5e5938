// Package movement implements the stock movement document lifecycle and the
// posting engine that applies approved documents to balances.
package movement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MovementType is the closed set of document kinds.
type MovementType string

const (
	TypeReceive  MovementType = "RECEIVE"
	TypeIssue    MovementType = "ISSUE"
	TypeTransfer MovementType = "TRANSFER"
	TypeAdjust   MovementType = "ADJUST"
	TypeReturn   MovementType = "RETURN"
)

// AllTypes lists every movement type.
var AllTypes = []MovementType{TypeReceive, TypeIssue, TypeTransfer, TypeAdjust, TypeReturn}

// IsValid reports whether t is a known type.
func (t MovementType) IsValid() bool {
	switch t {
	case TypeReceive, TypeIssue, TypeTransfer, TypeAdjust, TypeReturn:
		return true
	}
	return false
}

// ParseType converts user input into a MovementType.
func ParseType(s string) (MovementType, error) {
	t := MovementType(s)
	if !t.IsValid() {
		return "", &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown movement type %q", s)}
	}
	return t, nil
}

// Reverse is the type of the document that undoes a posted document of type t.
func (t MovementType) Reverse() MovementType {
	switch t {
	case TypeReceive:
		return TypeIssue
	case TypeIssue:
		return TypeReceive
	case TypeTransfer:
		return TypeTransfer
	case TypeAdjust:
		return TypeAdjust
	case TypeReturn:
		return TypeIssue
	}
	panic(fmt.Sprintf("movement: unhandled type %q", t))
}

// Status is the lifecycle state of a document.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusSubmitted Status = "SUBMITTED"
	StatusApproved  Status = "APPROVED"
	StatusPosted    Status = "POSTED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusApproved, StatusPosted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// CanEdit reports whether lines may be replaced.
func (s Status) CanEdit() bool {
	return s == StatusDraft || s == StatusRejected
}

// CanSubmit reports whether the document may enter approval.
func (s Status) CanSubmit() bool {
	return s == StatusDraft || s == StatusRejected
}

// CanCancel reports whether the document may be cancelled.
func (s Status) CanCancel() bool {
	return s == StatusDraft || s == StatusSubmitted || s == StatusApproved
}

// IsActive is false for documents that no longer claim anything:
// cancelled and rejected ones.
func (s Status) IsActive() bool {
	return s != StatusCancelled && s != StatusRejected
}

// LinkKind tags why a document points at another.
type LinkKind string

const (
	LinkReversal   LinkKind = "REVERSAL"
	LinkReturnFrom LinkKind = "RETURN_FROM"
	LinkImport     LinkKind = "IMPORT"
)

// IsValid reports whether k is a known link kind.
func (k LinkKind) IsValid() bool {
	switch k {
	case LinkReversal, LinkReturnFrom, LinkImport:
		return true
	}
	return false
}

// DocumentLink records the origin of a generated document. TargetID names
// the source document for REVERSAL and RETURN_FROM; IMPORT links carry the
// external batch reference instead.
type DocumentLink struct {
	Kind      LinkKind `json:"kind"`
	TargetID  int64    `json:"target_id,omitempty"`
	Reference string   `json:"reference,omitempty"`
}

// Document is the movement header with its ordered lines.
type Document struct {
	ID         int64         `json:"id"`
	DocNumber  string        `json:"doc_number"`
	Type       MovementType  `json:"type"`
	Status     Status        `json:"status"`
	Note       string        `json:"note"`
	Link       *DocumentLink `json:"link,omitempty"`
	CreatedBy  int64         `json:"created_by"`
	ApprovedBy *int64        `json:"approved_by,omitempty"`
	ApprovedAt *time.Time    `json:"approved_at,omitempty"`
	PostedAt   *time.Time    `json:"posted_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Lines      []Line        `json:"lines"`
}

// LinkedTo reports whether d carries a link of kind to target.
func (d Document) LinkedTo(kind LinkKind, target int64) bool {
	return d.Link != nil && d.Link.Kind == kind && d.Link.TargetID == target
}

// Line is a single product movement within a document. Qty is signed only
// for ADJUST.
type Line struct {
	ID             int64           `json:"id"`
	LineNo         int             `json:"line_no"`
	ProductID      int64           `json:"product_id"`
	VariantID      *int64          `json:"variant_id,omitempty"`
	FromLocationID *int64          `json:"from_location_id,omitempty"`
	ToLocationID   *int64          `json:"to_location_id,omitempty"`
	Qty            decimal.Decimal `json:"qty"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	SourceLineID   *int64          `json:"source_line_id,omitempty"`
	Lot            *LineLot        `json:"lot,omitempty"`
}

// LineLot ties a line to a lot. LotID is nil until the lot exists; lots
// named on increment lines are created at posting time.
type LineLot struct {
	LotID     *int64          `json:"lot_id,omitempty"`
	LotNumber string          `json:"lot_number"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Qty       decimal.Decimal `json:"qty"`
}

// LineInput is a requested line before validation.
type LineInput struct {
	ProductID      int64
	VariantID      *int64
	FromLocationID *int64
	ToLocationID   *int64
	Qty            decimal.Decimal
	UnitCost       decimal.Decimal
	Lot            *LotInput
}

// LotInput names a lot on a line. A zero Qty means the whole line quantity.
type LotInput struct {
	LotNumber string
	ExpiresAt *time.Time
	Qty       decimal.Decimal
}

// CreateInput describes a new document.
type CreateInput struct {
	Type           MovementType
	Note           string
	Lines          []LineInput
	IdempotencyKey string
}

// UpdateInput edits a DRAFT or REJECTED document. A nil Lines keeps the
// current lines; a non-nil slice replaces them wholesale.
type UpdateInput struct {
	Note  *string
	Lines *[]LineInput
}

// ReturnLineInput requests qty back from one line of a posted ISSUE.
type ReturnLineInput struct {
	LineID int64
	Qty    decimal.Decimal
}

// ReturnInput describes a return request.
type ReturnInput struct {
	Lines          []ReturnLineInput
	Note           string
	IdempotencyKey string
}

// ReturnableLine summarises how much of an ISSUE line can still come back.
// Pending counts return documents that are neither posted nor cancelled.
type ReturnableLine struct {
	LineID     int64           `json:"line_id"`
	LineNo     int             `json:"line_no"`
	ProductID  int64           `json:"product_id"`
	VariantID  *int64          `json:"variant_id,omitempty"`
	LocationID int64           `json:"location_id"`
	LotNumber  string          `json:"lot_number,omitempty"`
	Issued     decimal.Decimal `json:"issued"`
	Returned   decimal.Decimal `json:"returned"`
	Pending    decimal.Decimal `json:"pending"`
	Remaining  decimal.Decimal `json:"remaining"`
}

// ImportInput feeds opening balances or external corrections through the
// normal document pipeline as a single ADJUST document.
type ImportInput struct {
	Reference string
	Note      string
	Lines     []LineInput
}

// ListFilter narrows document listings.
type ListFilter struct {
	Status        Status
	Type          MovementType
	LinkKind      LinkKind
	LinkTargetID  int64
	LinkReference string
	Page          int
	PerPage       int
}

func ptr[T any](v T) *T {
	return &v
}
