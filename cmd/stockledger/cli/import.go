package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/movement"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Importer books an import as a posted ADJUST document.
type Importer interface {
	ImportAdjustment(ctx context.Context, actor shared.Actor, in movement.ImportInput) (movement.Document, error)
}

// ImportFile is the on-disk layout read by import-adjust.
type ImportFile struct {
	Reference string       `json:"reference"`
	Note      string       `json:"note"`
	Lines     []ImportLine `json:"lines"`
}

// ImportLine is one signed quantity at a location. Negative quantities
// decrement stock.
type ImportLine struct {
	ProductID  int64           `json:"product_id"`
	VariantID  *int64          `json:"variant_id,omitempty"`
	LocationID int64           `json:"location_id"`
	Qty        decimal.Decimal `json:"qty"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	LotNumber  string          `json:"lot_number,omitempty"`
	ExpiresAt  string          `json:"expires_at,omitempty"`
}

// ImportOptions defines the flags of the import-adjust command.
type ImportOptions struct {
	File       string
	Reference  string
	ActorID    int64
	ActorName  string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ImportResult is printed on completion.
type ImportResult struct {
	movement.Outcome
	DocNumber string `json:"doc_number,omitempty"`
	Status    string `json:"status,omitempty"`
	Lines     int    `json:"lines"`
}

// ImportCLI runs import-adjust against a movement service.
type ImportCLI struct {
	importer Importer
}

// NewImportCLI constructs the helper.
func NewImportCLI(importer Importer) (*ImportCLI, error) {
	if importer == nil {
		return nil, errors.New("import cli: importer required")
	}
	return &ImportCLI{importer: importer}, nil
}

// Command reads opts.File and imports it. Exit codes: 0 success, 1 usage or
// input errors, 2 rejected by the ledger, 3 infrastructure failure.
func (c *ImportCLI) Command(ctx context.Context, opts ImportOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if strings.TrimSpace(opts.File) == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "import-adjust: -file is required")
		return 1
	}
	if opts.ActorID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "import-adjust: -actor-id is required and must be positive")
		return 1
	}
	raw, err := os.ReadFile(opts.File)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "import-adjust: %v\n", err)
		return 1
	}
	in, err := ParseImport(raw)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "import-adjust: %v\n", err)
		return 1
	}
	if opts.Reference != "" {
		in.Reference = opts.Reference
	}

	actor := shared.Actor{ID: opts.ActorID, Name: opts.ActorName}
	doc, err := c.importer.ImportAdjustment(ctx, actor, in)
	result := ImportResult{Outcome: movement.OutcomeOf(err), DocNumber: doc.DocNumber, Status: string(doc.Status), Lines: len(in.Lines)}

	if opts.JSONOutput {
		if encErr := json.NewEncoder(opts.Stdout).Encode(result); encErr != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "import-adjust: encode json: %v\n", encErr)
			return 1
		}
	} else if result.Success {
		_, _ = fmt.Fprintf(opts.Stdout, "imported %s as %s (%d lines, %s)\n", in.Reference, result.DocNumber, result.Lines, result.Status)
	} else {
		_, _ = fmt.Fprintf(opts.Stderr, "import-adjust: %s: %s\n", result.Code, result.Message)
	}

	switch {
	case result.Success:
		return 0
	case result.Code == movement.CodeInfrastructure:
		return 3
	default:
		return 2
	}
}

// ParseImport decodes an import file into service input.
func ParseImport(raw []byte) (movement.ImportInput, error) {
	var file ImportFile
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return movement.ImportInput{}, fmt.Errorf("decode import file: %w", err)
	}
	in := movement.ImportInput{Reference: strings.TrimSpace(file.Reference), Note: file.Note}
	for i, l := range file.Lines {
		if l.LocationID <= 0 {
			return movement.ImportInput{}, fmt.Errorf("lines[%d]: location_id required", i)
		}
		loc := l.LocationID
		line := movement.LineInput{
			ProductID:    l.ProductID,
			VariantID:    l.VariantID,
			ToLocationID: &loc,
			Qty:          l.Qty,
			UnitCost:     l.UnitCost,
		}
		if l.LotNumber != "" {
			lot := &movement.LotInput{LotNumber: l.LotNumber}
			if l.ExpiresAt != "" {
				at, err := time.Parse(time.DateOnly, l.ExpiresAt)
				if err != nil {
					return movement.ImportInput{}, fmt.Errorf("lines[%d]: expires_at: expected YYYY-MM-DD", i)
				}
				lot.ExpiresAt = &at
			}
			line.Lot = lot
		}
		in.Lines = append(in.Lines, line)
	}
	return in, nil
}
