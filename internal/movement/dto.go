package movement

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type lineRequest struct {
	ProductID      int64           `json:"product_id" validate:"required,gt=0"`
	VariantID      *int64          `json:"variant_id,omitempty" validate:"omitempty,gt=0"`
	FromLocationID *int64          `json:"from_location_id,omitempty" validate:"omitempty,gt=0"`
	ToLocationID   *int64          `json:"to_location_id,omitempty" validate:"omitempty,gt=0"`
	Qty            decimal.Decimal `json:"qty"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	Lot            *lotRequest     `json:"lot,omitempty"`
}

type lotRequest struct {
	LotNumber string          `json:"lot_number" validate:"required,max=64"`
	ExpiresAt string          `json:"expires_at,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Qty       decimal.Decimal `json:"qty"`
}

type createRequest struct {
	Type  string        `json:"type" validate:"required,oneof=RECEIVE ISSUE TRANSFER ADJUST RETURN"`
	Note  string        `json:"note" validate:"max=2000"`
	Lines []lineRequest `json:"lines" validate:"max=500,dive"`
}

type updateRequest struct {
	Note  *string        `json:"note,omitempty" validate:"omitempty,max=2000"`
	Lines *[]lineRequest `json:"lines,omitempty" validate:"omitempty,max=500,dive"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

type returnLineRequest struct {
	LineID int64           `json:"line_id" validate:"required,gt=0"`
	Qty    decimal.Decimal `json:"qty"`
}

type returnRequest struct {
	Note  string              `json:"note" validate:"max=2000"`
	Lines []returnLineRequest `json:"lines" validate:"required,min=1,max=500,dive"`
}

type batchRequest struct {
	Action string  `json:"action" validate:"required,oneof=approve reject post cancel"`
	IDs    []int64 `json:"ids" validate:"required,min=1,dive,gt=0"`
	Reason string  `json:"reason" validate:"max=2000"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError converts the first validator failure into a ValidationError.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Reason: err.Error()}
	}
	fe := fieldErrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	reason := "failed " + fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return &ValidationError{Field: field, Reason: reason}
}

func (r lineRequest) toInput(field string) (LineInput, error) {
	in := LineInput{
		ProductID:      r.ProductID,
		VariantID:      r.VariantID,
		FromLocationID: r.FromLocationID,
		ToLocationID:   r.ToLocationID,
		Qty:            r.Qty,
		UnitCost:       r.UnitCost,
	}
	if r.Lot == nil {
		return in, nil
	}
	lot := &LotInput{LotNumber: r.Lot.LotNumber, Qty: r.Lot.Qty}
	if r.Lot.ExpiresAt != "" {
		at, err := time.Parse(time.DateOnly, r.Lot.ExpiresAt)
		if err != nil {
			return LineInput{}, invalid(field+".lot.expires_at", "expected YYYY-MM-DD")
		}
		lot.ExpiresAt = &at
	}
	in.Lot = lot
	return in, nil
}

func linesToInput(reqs []lineRequest) ([]LineInput, error) {
	out := make([]LineInput, 0, len(reqs))
	for i, r := range reqs {
		in, err := r.toInput(fmt.Sprintf("lines[%d]", i))
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

func (r createRequest) toInput(key string) (CreateInput, error) {
	lines, err := linesToInput(r.Lines)
	if err != nil {
		return CreateInput{}, err
	}
	return CreateInput{Type: MovementType(r.Type), Note: r.Note, Lines: lines, IdempotencyKey: key}, nil
}

func (r updateRequest) toInput() (UpdateInput, error) {
	in := UpdateInput{Note: r.Note}
	if r.Lines != nil {
		lines, err := linesToInput(*r.Lines)
		if err != nil {
			return UpdateInput{}, err
		}
		in.Lines = &lines
	}
	return in, nil
}

func (r returnRequest) toInput(key string) ReturnInput {
	lines := make([]ReturnLineInput, 0, len(r.Lines))
	for _, l := range r.Lines {
		lines = append(lines, ReturnLineInput{LineID: l.LineID, Qty: l.Qty})
	}
	return ReturnInput{Lines: lines, Note: r.Note, IdempotencyKey: key}
}
