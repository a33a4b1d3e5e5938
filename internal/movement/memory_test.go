package movement

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/balance"
	"github.com/odyssey-erp/stockledger/internal/balance/balancetest"
	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/sequence"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// memoryRepo serialises transactions behind one mutex and commits by
// swapping in the transaction's copy, so a failing transaction leaves no
// trace.
type memoryRepo struct {
	mu       sync.Mutex
	state    memoryState
	balances *balancetest.Memory
	failOn   map[string]error
}

type memoryState struct {
	docs     map[int64]Document
	counters map[string]sequence.Counter
	nextDoc  int64
	nextLine int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		state: memoryState{
			docs: make(map[int64]Document),
			counters: map[string]sequence.Counter{
				"RECEIVE":  {DocType: "RECEIVE", Prefix: "RCV", PadWidth: 5},
				"ISSUE":    {DocType: "ISSUE", Prefix: "ISS", PadWidth: 5},
				"TRANSFER": {DocType: "TRANSFER", Prefix: "TRF", PadWidth: 5},
				"ADJUST":   {DocType: "ADJUST", Prefix: "ADJ", PadWidth: 5},
				"RETURN":   {DocType: "RETURN", Prefix: "RTN", PadWidth: 5},
			},
		},
		balances: balancetest.NewMemory(),
		failOn:   make(map[string]error),
	}
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		docs:     make(map[int64]Document, len(s.docs)),
		counters: make(map[string]sequence.Counter, len(s.counters)),
		nextDoc:  s.nextDoc,
		nextLine: s.nextLine,
	}
	for id, doc := range s.docs {
		c.docs[id] = cloneDocument(doc)
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	return c
}

func cloneDocument(doc Document) Document {
	if doc.Link != nil {
		link := *doc.Link
		doc.Link = &link
	}
	lines := make([]Line, len(doc.Lines))
	for i, line := range doc.Lines {
		if line.Lot != nil {
			lot := *line.Lot
			line.Lot = &lot
		}
		lines[i] = line
	}
	doc.Lines = lines
	return doc
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{repo: r, state: r.state.clone(), Memory: r.balances.Clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.failOn["commit"]; err != nil {
		return err
	}
	r.state = tx.state
	r.balances.Replace(tx.Memory)
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id int64) (Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.state.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("%w: document %d", ErrNotFound, id)
	}
	return cloneDocument(doc), nil
}

func (r *memoryRepo) List(_ context.Context, filter ListFilter) ([]Document, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Document
	for _, doc := range sortedDocs(r.state.docs) {
		if filter.Status != "" && doc.Status != filter.Status {
			continue
		}
		if filter.Type != "" && doc.Type != filter.Type {
			continue
		}
		if filter.LinkKind != "" && (doc.Link == nil || doc.Link.Kind != filter.LinkKind) {
			continue
		}
		if filter.LinkReference != "" && (doc.Link == nil || doc.Link.Reference != filter.LinkReference) {
			continue
		}
		out = append(out, doc)
	}
	return out, len(out), nil
}

func (r *memoryRepo) Linked(_ context.Context, kind LinkKind, targetID int64) ([]Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return linkedIn(r.state.docs, kind, targetID), nil
}

func (r *memoryRepo) FindLot(ctx context.Context, productID int64, lotNumber string) (balance.Lot, error) {
	return r.balances.FindLot(ctx, productID, lotNumber)
}

func (r *memoryRepo) doc(id int64) Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneDocument(r.state.docs[id])
}

func sortedDocs(docs map[int64]Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		out = append(out, cloneDocument(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func linkedIn(docs map[int64]Document, kind LinkKind, targetID int64) []Document {
	var out []Document
	for _, doc := range sortedDocs(docs) {
		if doc.LinkedTo(kind, targetID) {
			out = append(out, doc)
		}
	}
	return out
}

type memoryTx struct {
	repo  *memoryRepo
	state memoryState
	*balancetest.Memory
}

var _ TxRepository = (*memoryTx)(nil)

func (t *memoryTx) Increment(_ context.Context, docType string) (sequence.Counter, error) {
	c, ok := t.state.counters[docType]
	if !ok {
		return sequence.Counter{}, fmt.Errorf("%w: %s", sequence.ErrUnknownDocType, docType)
	}
	c.Value++
	t.state.counters[docType] = c
	return c, nil
}

func (t *memoryTx) LockDocument(_ context.Context, id int64) (Document, error) {
	doc, ok := t.state.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("%w: document %d", ErrNotFound, id)
	}
	return cloneDocument(doc), nil
}

func (t *memoryTx) InsertDocument(_ context.Context, doc Document) (Document, error) {
	if err := t.repo.failOn["InsertDocument"]; err != nil {
		return Document{}, err
	}
	for _, existing := range t.state.docs {
		if existing.DocNumber == doc.DocNumber {
			return Document{}, &DuplicateOperationError{Operation: "create", DocNumber: doc.DocNumber, Existing: doc.DocNumber}
		}
	}
	t.state.nextDoc++
	now := time.Now().UTC()
	doc.ID, doc.CreatedAt, doc.UpdatedAt = t.state.nextDoc, now, now
	doc.Lines = t.numberLines(doc.Lines)
	t.state.docs[doc.ID] = cloneDocument(doc)
	return cloneDocument(doc), nil
}

func (t *memoryTx) numberLines(lines []Line) []Line {
	out := make([]Line, len(lines))
	for i, line := range lines {
		t.state.nextLine++
		line.ID = t.state.nextLine
		if line.Lot != nil {
			lot := *line.Lot
			line.Lot = &lot
		}
		out[i] = line
	}
	return out
}

func (t *memoryTx) ReplaceLines(_ context.Context, id int64, lines []Line) ([]Line, error) {
	doc := t.state.docs[id]
	doc.Lines = t.numberLines(lines)
	t.state.docs[id] = doc
	return doc.Lines, nil
}

func (t *memoryTx) UpdateNote(_ context.Context, id int64, note string) error {
	doc := t.state.docs[id]
	doc.Note = note
	t.state.docs[id] = doc
	return nil
}

func (t *memoryTx) UpdateStatus(_ context.Context, id int64, from []Status, change StatusChange) error {
	if err := t.repo.failOn["UpdateStatus"]; err != nil {
		return err
	}
	doc, ok := t.state.docs[id]
	if !ok || !slices.Contains(from, doc.Status) {
		return fmt.Errorf("%w: document %d changed concurrently", ErrStateConflict, id)
	}
	doc.Status = change.To
	if change.Note != nil {
		doc.Note = *change.Note
	}
	if change.ApprovedBy != nil {
		doc.ApprovedBy = change.ApprovedBy
	}
	if change.ApprovedAt != nil {
		doc.ApprovedAt = change.ApprovedAt
	}
	if change.PostedAt != nil {
		doc.PostedAt = change.PostedAt
	}
	doc.UpdatedAt = time.Now().UTC()
	t.state.docs[id] = doc
	return nil
}

func (t *memoryTx) SetLineLot(_ context.Context, lineID, lotID int64) error {
	for id, doc := range t.state.docs {
		for i, line := range doc.Lines {
			if line.ID == lineID && line.Lot != nil {
				lot := *line.Lot
				lot.LotID = ptr(lotID)
				doc.Lines[i].Lot = &lot
				t.state.docs[id] = doc
				return nil
			}
		}
	}
	return fmt.Errorf("line %d has no lot", lineID)
}

func (t *memoryTx) Linked(_ context.Context, kind LinkKind, targetID int64) ([]Document, error) {
	return linkedIn(t.state.docs, kind, targetID), nil
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
	err  error
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type recordingApprovals struct {
	mu   sync.Mutex
	logs []shared.ApprovalLog
}

func (a *recordingApprovals) Record(_ context.Context, log shared.ApprovalLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingApprovals) List(_ context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []shared.ApprovalLog
	for _, l := range a.logs {
		if l.Module == module && l.RefID == ref {
			out = append(out, l)
		}
	}
	return out, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Notification
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, note)
	return nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]int64
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: make(map[string]int64)}
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[module+"|"+key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[module+"|"+key] = 0
	return nil
}

func (m *memoryIdempotency) Complete(_ context.Context, key, module string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[module+"|"+key] = id
	return nil
}

func (m *memoryIdempotency) Lookup(_ context.Context, key, module string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keys[module+"|"+key]
	switch {
	case !ok:
		return 0, shared.ErrNotFound
	case id == 0:
		return 0, shared.ErrIdempotencyPending
	}
	return id, nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, module+"|"+key)
	return nil
}

type countingMetrics struct {
	mu          sync.Mutex
	transitions map[string]int
	postings    int
}

func (m *countingMetrics) ObserveTransition(action, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitions == nil {
		m.transitions = make(map[string]int)
	}
	m.transitions[action+":"+outcome]++
}

func (m *countingMetrics) ObservePosting(time.Duration, int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postings++
}

type countingInvalidator struct {
	mu    sync.Mutex
	calls int
}

func (c *countingInvalidator) Invalidate(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
}

// Catalog fixture ids.
const (
	productP      int64 = 1
	productLot    int64 = 2
	variantP7     int64 = 7
	locationL1    int64 = 11
	locationL2    int64 = 12
	locationUnset int64 = 99
)

func testCatalog() *catalog.Static {
	cat := catalog.NewStatic()
	cat.Products[productP] = catalog.Product{ID: productP, SKU: "P-001", Name: "Widget"}
	cat.Products[productLot] = catalog.Product{ID: productLot, SKU: "MED-01", Name: "Serum", LotTracked: true}
	cat.Variants[variantP7] = catalog.Variant{ID: variantP7, ProductID: productP, SKU: "P-001-RED", Name: "Red"}
	cat.Locations[locationL1] = catalog.Location{ID: locationL1, Code: "L1", Name: "Main"}
	cat.Locations[locationL2] = catalog.Location{ID: locationL2, Code: "L2", Name: "Overflow"}
	return cat
}

type fixture struct {
	svc       *Service
	repo      *memoryRepo
	audit     *recordingAudit
	approvals *recordingApprovals
	notifier  *recordingNotifier
	idem      *memoryIdempotency
	metrics   *countingMetrics
	cache     *countingInvalidator
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		repo:      newMemoryRepo(),
		audit:     &recordingAudit{},
		approvals: &recordingApprovals{},
		notifier:  &recordingNotifier{},
		idem:      newMemoryIdempotency(),
		metrics:   &countingMetrics{},
		cache:     &countingInvalidator{},
	}
	f.svc = NewService(Deps{
		Repo:        f.repo,
		Catalog:     testCatalog(),
		Numbers:     sequence.NewGeneratorWithClock(func() time.Time { return time.Date(2024, time.March, 9, 0, 0, 0, 0, time.UTC) }),
		Balances:    f.cache,
		Audit:       f.audit,
		Approvals:   f.approvals,
		Notifier:    f.notifier,
		Idempotency: f.idem,
		Metrics:     f.metrics,
		Logger:      quietLogger(),
	}, cfg)
	return f
}

func (f *fixture) qty(productID, locationID int64) decimal.Decimal {
	return f.repo.balances.Qty(balance.StockKey{ProductID: productID, LocationID: locationID})
}
