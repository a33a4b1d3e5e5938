package movement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/balance"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/sequence"
)

// StatusChange describes the columns written by a status transition. Nil
// pointers leave the column untouched.
type StatusChange struct {
	To         Status
	Note       *string
	ApprovedBy *int64
	ApprovedAt *time.Time
	PostedAt   *time.Time
}

// TxRepository exposes transactional operations used by service. Numbering
// and balance mutation share the caller's transaction.
type TxRepository interface {
	sequence.Incrementer
	balance.Mutator
	LockDocument(ctx context.Context, id int64) (Document, error)
	InsertDocument(ctx context.Context, doc Document) (Document, error)
	ReplaceLines(ctx context.Context, id int64, lines []Line) ([]Line, error)
	UpdateNote(ctx context.Context, id int64, note string) error
	UpdateStatus(ctx context.Context, id int64, from []Status, change StatusChange) error
	SetLineLot(ctx context.Context, lineID, lotID int64) error
	Linked(ctx context.Context, kind LinkKind, targetID int64) ([]Document, error)
}

// Repository persists movement documents in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn in a READ COMMITTED transaction. Documents are locked with
// SELECT ... FOR UPDATE and balances use conditional updates, so waiting
// writers re-evaluate against committed rows instead of failing.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, newTxRepo(tx))
	})
}

// Get loads a document with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (Document, error) {
	return getDocument(ctx, r.pool, id, false)
}

// Linked returns every document linked to targetID with kind, any status.
func (r *Repository) Linked(ctx context.Context, kind LinkKind, targetID int64) ([]Document, error) {
	return linkedDocuments(ctx, r.pool, kind, targetID)
}

// FindLot resolves an existing lot outside any transaction.
func (r *Repository) FindLot(ctx context.Context, productID int64, lotNumber string) (balance.Lot, error) {
	return balance.NewStore(r.pool).FindLot(ctx, productID, lotNumber)
}

// List returns headers matching filter, newest first, with the total count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Document, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}
	if filter.LinkKind != "" {
		add("link_kind = $%d", string(filter.LinkKind))
	}
	if filter.LinkTargetID != 0 {
		add("link_target_id = $%d", filter.LinkTargetID)
	}
	if filter.LinkReference != "" {
		add("link_reference = $%d", filter.LinkReference)
	}
	sql := `SELECT ` + headerColumns + `, COUNT(*) OVER() FROM movement_documents`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	perPage, offset := listBounds(filter.Page, filter.PerPage)
	args = append(args, perPage, offset)
	sql += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("movement: list: %w", err)
	}
	defer rows.Close()
	var (
		docs  []Document
		total int
	)
	for rows.Next() {
		var h headerRow
		dest := append(h.dest(), &total)
		if err := rows.Scan(dest...); err != nil {
			return nil, 0, err
		}
		docs = append(docs, h.document())
	}
	return docs, total, rows.Err()
}

type txRepo struct {
	tx       pgx.Tx
	seq      *sequence.Store
	balances *balance.Store
}

func newTxRepo(tx pgx.Tx) *txRepo {
	return &txRepo{tx: tx, seq: sequence.NewStore(tx), balances: balance.NewStore(tx)}
}

var _ TxRepository = (*txRepo)(nil)

func (t *txRepo) Increment(ctx context.Context, docType string) (sequence.Counter, error) {
	return t.seq.Increment(ctx, docType)
}

func (t *txRepo) IncrementStock(ctx context.Context, key balance.StockKey, qty decimal.Decimal) (decimal.Decimal, error) {
	return t.balances.IncrementStock(ctx, key, qty)
}

func (t *txRepo) DecrementStock(ctx context.Context, key balance.StockKey, qty decimal.Decimal) (decimal.Decimal, error) {
	return t.balances.DecrementStock(ctx, key, qty)
}

func (t *txRepo) IncrementLot(ctx context.Context, key balance.LotKey, qty decimal.Decimal) (decimal.Decimal, error) {
	return t.balances.IncrementLot(ctx, key, qty)
}

func (t *txRepo) DecrementLot(ctx context.Context, key balance.LotKey, qty decimal.Decimal) (decimal.Decimal, error) {
	return t.balances.DecrementLot(ctx, key, qty)
}

func (t *txRepo) EnsureLot(ctx context.Context, spec balance.LotSpec) (balance.Lot, error) {
	return t.balances.EnsureLot(ctx, spec)
}

func (t *txRepo) FindLot(ctx context.Context, productID int64, lotNumber string) (balance.Lot, error) {
	return t.balances.FindLot(ctx, productID, lotNumber)
}

func (t *txRepo) LockDocument(ctx context.Context, id int64) (Document, error) {
	return getDocument(ctx, t.tx, id, true)
}

func (t *txRepo) InsertDocument(ctx context.Context, doc Document) (Document, error) {
	var (
		linkKind   *string
		linkTarget *int64
		linkRef    string
	)
	if doc.Link != nil {
		linkKind = ptr(string(doc.Link.Kind))
		if doc.Link.TargetID != 0 {
			linkTarget = ptr(doc.Link.TargetID)
		}
		linkRef = doc.Link.Reference
	}
	err := t.tx.QueryRow(ctx, `INSERT INTO movement_documents
(doc_number, type, status, note, link_kind, link_target_id, link_reference, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at, updated_at`,
		doc.DocNumber, string(doc.Type), string(doc.Status), doc.Note, linkKind, linkTarget, linkRef, doc.CreatedBy).
		Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Document{}, &DuplicateOperationError{Operation: "create", DocNumber: doc.DocNumber, Existing: doc.DocNumber}
		}
		return Document{}, fmt.Errorf("movement: insert document: %w", err)
	}
	lines, err := t.insertLines(ctx, doc.ID, doc.Lines)
	if err != nil {
		return Document{}, err
	}
	doc.Lines = lines
	return doc, nil
}

func (t *txRepo) ReplaceLines(ctx context.Context, id int64, lines []Line) ([]Line, error) {
	if _, err := t.tx.Exec(ctx, `DELETE FROM movement_lines WHERE movement_id = $1`, id); err != nil {
		return nil, fmt.Errorf("movement: delete lines: %w", err)
	}
	return t.insertLines(ctx, id, lines)
}

func (t *txRepo) insertLines(ctx context.Context, docID int64, lines []Line) ([]Line, error) {
	out := make([]Line, 0, len(lines))
	for _, line := range lines {
		err := t.tx.QueryRow(ctx, `INSERT INTO movement_lines
(movement_id, line_no, product_id, variant_id, from_location_id, to_location_id, qty, unit_cost, source_line_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id`,
			docID, line.LineNo, line.ProductID, line.VariantID, line.FromLocationID, line.ToLocationID,
			line.Qty, line.UnitCost, line.SourceLineID).Scan(&line.ID)
		if err != nil {
			return nil, fmt.Errorf("movement: insert line %d: %w", line.LineNo, err)
		}
		if line.Lot != nil {
			lot := *line.Lot
			_, err := t.tx.Exec(ctx, `INSERT INTO movement_lot_lines (movement_line_id, lot_id, lot_number, expires_at, qty)
VALUES ($1, $2, $3, $4, $5)`, line.ID, lot.LotID, lot.LotNumber, lot.ExpiresAt, lot.Qty)
			if err != nil {
				return nil, fmt.Errorf("movement: insert lot line %d: %w", line.LineNo, err)
			}
			line.Lot = &lot
		}
		out = append(out, line)
	}
	return out, nil
}

func (t *txRepo) UpdateNote(ctx context.Context, id int64, note string) error {
	_, err := t.tx.Exec(ctx, `UPDATE movement_documents SET note = $2, updated_at = NOW() WHERE id = $1`, id, note)
	if err != nil {
		return fmt.Errorf("movement: update note: %w", err)
	}
	return nil
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, from []Status, change StatusChange) error {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	tag, err := t.tx.Exec(ctx, `UPDATE movement_documents SET
status = $2,
note = COALESCE($3, note),
approved_by = COALESCE($4, approved_by),
approved_at = COALESCE($5, approved_at),
posted_at = COALESCE($6, posted_at),
updated_at = NOW()
WHERE id = $1 AND status = ANY($7)`,
		id, string(change.To), change.Note, change.ApprovedBy, change.ApprovedAt, change.PostedAt, allowed)
	if err != nil {
		return fmt.Errorf("movement: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %d is no longer in %s", ErrStateConflict, id, strings.Join(allowed, "/"))
	}
	return nil
}

func (t *txRepo) SetLineLot(ctx context.Context, lineID, lotID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE movement_lot_lines SET lot_id = $2 WHERE movement_line_id = $1`, lineID, lotID)
	if err != nil {
		return fmt.Errorf("movement: set line lot: %w", err)
	}
	return nil
}

func (t *txRepo) Linked(ctx context.Context, kind LinkKind, targetID int64) ([]Document, error) {
	return linkedDocuments(ctx, t.tx, kind, targetID)
}

const headerColumns = `id, doc_number, type, status, note, link_kind, link_target_id, link_reference,
created_by, approved_by, approved_at, posted_at, created_at, updated_at`

type headerRow struct {
	doc        Document
	docType    string
	status     string
	linkKind   *string
	linkTarget *int64
	linkRef    string
}

func (h *headerRow) dest() []any {
	return []any{&h.doc.ID, &h.doc.DocNumber, &h.docType, &h.status, &h.doc.Note, &h.linkKind, &h.linkTarget, &h.linkRef,
		&h.doc.CreatedBy, &h.doc.ApprovedBy, &h.doc.ApprovedAt, &h.doc.PostedAt, &h.doc.CreatedAt, &h.doc.UpdatedAt}
}

func (h *headerRow) document() Document {
	doc := h.doc
	doc.Type = MovementType(h.docType)
	doc.Status = Status(h.status)
	if h.linkKind != nil {
		doc.Link = &DocumentLink{Kind: LinkKind(*h.linkKind), Reference: h.linkRef}
		if h.linkTarget != nil {
			doc.Link.TargetID = *h.linkTarget
		}
	}
	return doc
}

func getDocument(ctx context.Context, q db.DBTX, id int64, forUpdate bool) (Document, error) {
	sql := `SELECT ` + headerColumns + ` FROM movement_documents WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var h headerRow
	if err := q.QueryRow(ctx, sql, id).Scan(h.dest()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, fmt.Errorf("%w: document %d", ErrNotFound, id)
		}
		return Document{}, fmt.Errorf("movement: get document %d: %w", id, err)
	}
	doc := h.document()
	lines, err := loadLines(ctx, q, []int64{id})
	if err != nil {
		return Document{}, err
	}
	doc.Lines = lines[id]
	return doc, nil
}

func linkedDocuments(ctx context.Context, q db.DBTX, kind LinkKind, targetID int64) ([]Document, error) {
	rows, err := q.Query(ctx, `SELECT `+headerColumns+` FROM movement_documents
WHERE link_kind = $1 AND link_target_id = $2 ORDER BY id`, string(kind), targetID)
	if err != nil {
		return nil, fmt.Errorf("movement: linked documents: %w", err)
	}
	var (
		docs []Document
		ids  []int64
	)
	for rows.Next() {
		var h headerRow
		if err := rows.Scan(h.dest()...); err != nil {
			rows.Close()
			return nil, err
		}
		doc := h.document()
		docs = append(docs, doc)
		ids = append(ids, doc.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	lines, err := loadLines(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		docs[i].Lines = lines[docs[i].ID]
	}
	return docs, nil
}

func loadLines(ctx context.Context, q db.DBTX, docIDs []int64) (map[int64][]Line, error) {
	rows, err := q.Query(ctx, `SELECT ml.movement_id, ml.id, ml.line_no, ml.product_id, ml.variant_id,
ml.from_location_id, ml.to_location_id, ml.qty, ml.unit_cost, ml.source_line_id,
mll.lot_id, mll.lot_number, mll.expires_at, mll.qty
FROM movement_lines ml
LEFT JOIN movement_lot_lines mll ON mll.movement_line_id = ml.id
WHERE ml.movement_id = ANY($1)
ORDER BY ml.movement_id, ml.line_no`, docIDs)
	if err != nil {
		return nil, fmt.Errorf("movement: load lines: %w", err)
	}
	defer rows.Close()
	out := make(map[int64][]Line, len(docIDs))
	for rows.Next() {
		var (
			docID     int64
			line      Line
			lotID     *int64
			lotNumber *string
			expiresAt *time.Time
			lotQty    decimal.NullDecimal
		)
		if err := rows.Scan(&docID, &line.ID, &line.LineNo, &line.ProductID, &line.VariantID,
			&line.FromLocationID, &line.ToLocationID, &line.Qty, &line.UnitCost, &line.SourceLineID,
			&lotID, &lotNumber, &expiresAt, &lotQty); err != nil {
			return nil, err
		}
		if lotNumber != nil {
			line.Lot = &LineLot{LotID: lotID, LotNumber: *lotNumber, ExpiresAt: expiresAt, Qty: lotQty.Decimal}
		}
		out[docID] = append(out[docID], line)
	}
	return out, rows.Err()
}

func listBounds(page, perPage int) (int, int) {
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}
	if page <= 0 {
		page = 1
	}
	return perPage, (page - 1) * perPage
}
