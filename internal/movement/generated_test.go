package movement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/balance"
)

func TestReversalRestoresBalances(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	rcv := f.postNew(t, TypeReceive, receiveLine(productP, locationL1, "100"))

	rev, err := f.svc.CreateReversal(ctx, clerk, rcv.ID, "")
	require.NoError(t, err)
	require.Equal(t, TypeIssue, rev.Type)
	require.Equal(t, StatusDraft, rev.Status)
	require.Equal(t, "ISS2403-00001", rev.DocNumber)
	require.Equal(t, "Reversal of "+rcv.DocNumber, rev.Note)
	require.True(t, rev.LinkedTo(LinkReversal, rcv.ID))
	require.Len(t, rev.Lines, 1)
	assert.Equal(t, locationL1, *rev.Lines[0].FromLocationID)
	assert.Nil(t, rev.Lines[0].ToLocationID)
	assert.Equal(t, rcv.Lines[0].ID, *rev.Lines[0].SourceLineID)

	f.drive(t, rev.ID)
	require.True(t, f.qty(productP, locationL1).IsZero())
}

func TestReversalOfTransferAndAdjust(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	f.repo.balances.Seed(balance.StockKey{ProductID: productP, LocationID: locationL1}, d("10"))

	trf := f.postNew(t, TypeTransfer, LineInput{ProductID: productP, FromLocationID: ptr(locationL1), ToLocationID: ptr(locationL2), Qty: d("4")})
	adj := f.postNew(t, TypeAdjust, LineInput{ProductID: productP, ToLocationID: ptr(locationL1), Qty: d("-1.5")})
	require.True(t, d("4.5").Equal(f.qty(productP, locationL1)))

	for _, src := range []Document{trf, adj} {
		rev, err := f.svc.CreateReversal(ctx, clerk, src.ID, "")
		require.NoError(t, err)
		require.Equal(t, src.Type, rev.Type)
		f.drive(t, rev.ID)
	}
	require.True(t, d("10").Equal(f.qty(productP, locationL1)))
	require.True(t, f.qty(productP, locationL2).IsZero())
}

func TestReversalOfLotReceiveDrainsLot(t *testing.T) {
	f := newFixture(Config{})
	expires := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	rcv := f.postNew(t, TypeReceive, LineInput{
		ProductID: productLot, ToLocationID: ptr(locationL1), Qty: d("8"),
		Lot: &LotInput{LotNumber: "B-1", ExpiresAt: &expires},
	})
	lotID := *rcv.Lines[0].Lot.LotID

	rev, err := f.svc.CreateReversal(context.Background(), clerk, rcv.ID, "")
	require.NoError(t, err)
	require.NotNil(t, rev.Lines[0].Lot)
	assert.Equal(t, lotID, *rev.Lines[0].Lot.LotID)

	f.drive(t, rev.ID)
	require.True(t, f.repo.balances.LotQty(balance.LotKey{LotID: lotID, LocationID: locationL1}).IsZero())
	require.True(t, f.qty(productLot, locationL1).IsZero())
}

func TestReversalGuard(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	rcv := f.postNew(t, TypeReceive, receiveLine(productP, locationL1, "5"))

	first, err := f.svc.CreateReversal(ctx, clerk, rcv.ID, "")
	require.NoError(t, err)

	_, err = f.svc.CreateReversal(ctx, clerk, rcv.ID, "")
	require.ErrorIs(t, err, ErrDuplicateOperation)
	assert.Equal(t, "reversal for "+rcv.DocNumber+" already exists as "+first.DocNumber, err.Error())

	_, err = f.svc.Cancel(ctx, clerk, first.ID, "wrong document")
	require.NoError(t, err)
	second, err := f.svc.CreateReversal(ctx, clerk, rcv.ID, "")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestRejectedReversalResubmitIsGuarded(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	rcv := f.postNew(t, TypeReceive, receiveLine(productP, locationL1, "5"))

	first, err := f.svc.CreateReversal(ctx, clerk, rcv.ID, "")
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, clerk, first.ID)
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, approver, first.ID, "not yet")
	require.NoError(t, err)

	second, err := f.svc.CreateReversal(ctx, clerk, rcv.ID, "")
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, clerk, first.ID)
	require.ErrorIs(t, err, ErrDuplicateOperation)
	require.Equal(t, StatusRejected, f.repo.doc(first.ID).Status)

	_, err = f.svc.Cancel(ctx, clerk, second.ID, "")
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, clerk, first.ID)
	require.NoError(t, err)
}

func TestReversalRequiresPostedOriginal(t *testing.T) {
	f := newFixture(Config{})
	doc := f.approveNew(t, TypeReceive, receiveLine(productP, locationL1, "5"))
	_, err := f.svc.CreateReversal(context.Background(), clerk, doc.ID, "")
	require.ErrorIs(t, err, ErrStateConflict)

	_, err = f.svc.CreateReversal(context.Background(), clerk, 999, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGeneratedLinesAreLocked(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	rcv := f.postNew(t, TypeReceive, receiveLine(productP, locationL1, "5"))
	rev, err := f.svc.CreateReversal(ctx, clerk, rcv.ID, "")
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, clerk, rev.ID, UpdateInput{Lines: &[]LineInput{issueLine(productP, locationL1, "1")}})
	require.ErrorIs(t, err, ErrValidation)

	updated, err := f.svc.Update(ctx, clerk, rev.ID, UpdateInput{Note: ptr("counted twice")})
	require.NoError(t, err)
	require.Equal(t, "counted twice", updated.Note)
	require.Len(t, updated.Lines, 1)
}

func TestIdempotentReversalReplays(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	rcv := f.postNew(t, TypeReceive, receiveLine(productP, locationL1, "5"))

	first, err := f.svc.CreateReversal(ctx, clerk, rcv.ID, "rev-1")
	require.NoError(t, err)
	again, err := f.svc.CreateReversal(ctx, clerk, rcv.ID, "rev-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
}

// issued posts 100 into L1 and an ISSUE of 10 out of it.
func issued(t *testing.T, f *fixture) Document {
	t.Helper()
	f.postNew(t, TypeReceive, receiveLine(productP, locationL1, "100"))
	return f.postNew(t, TypeIssue, issueLine(productP, locationL1, "10"))
}

func TestReturnIsBoundedByIssuedQuantity(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	iss := issued(t, f)
	lineID := iss.Lines[0].ID

	ret, err := f.svc.CreateReturn(ctx, clerk, iss.ID, ReturnInput{Lines: []ReturnLineInput{{LineID: lineID, Qty: d("4")}}})
	require.NoError(t, err)
	require.Equal(t, TypeReturn, ret.Type)
	require.Equal(t, "RTN2403-00001", ret.DocNumber)
	require.Equal(t, "Return from "+iss.DocNumber, ret.Note)
	require.True(t, ret.LinkedTo(LinkReturnFrom, iss.ID))
	assert.Equal(t, locationL1, *ret.Lines[0].ToLocationID)
	assert.Equal(t, lineID, *ret.Lines[0].SourceLineID)

	_, err = f.svc.CreateReturn(ctx, clerk, iss.ID, ReturnInput{Lines: []ReturnLineInput{{LineID: lineID, Qty: d("7")}}})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "returnable quantity 6")

	_, err = f.svc.Cancel(ctx, clerk, ret.ID, "")
	require.NoError(t, err)
	big, err := f.svc.CreateReturn(ctx, clerk, iss.ID, ReturnInput{Lines: []ReturnLineInput{{LineID: lineID, Qty: d("7")}}})
	require.NoError(t, err)

	f.drive(t, big.ID)
	require.True(t, d("97").Equal(f.qty(productP, locationL1)))

	_, err = f.svc.CreateReturn(ctx, clerk, iss.ID, ReturnInput{Lines: []ReturnLineInput{{LineID: lineID, Qty: d("3.01")}}})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.CreateReturn(ctx, clerk, iss.ID, ReturnInput{Lines: []ReturnLineInput{{LineID: lineID, Qty: d("3")}}})
	require.NoError(t, err)
}

func TestRejectedReturnKeepsItsClaim(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	iss := issued(t, f)
	lineID := iss.Lines[0].ID

	ret, err := f.svc.CreateReturn(ctx, clerk, iss.ID, ReturnInput{Lines: []ReturnLineInput{{LineID: lineID, Qty: d("8")}}})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, clerk, ret.ID)
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, approver, ret.ID, "count again")
	require.NoError(t, err)

	_, err = f.svc.CreateReturn(ctx, clerk, iss.ID, ReturnInput{Lines: []ReturnLineInput{{LineID: lineID, Qty: d("3")}}})
	require.ErrorIs(t, err, ErrValidation)
}

func TestReturnRequestValidation(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	iss := issued(t, f)
	lineID := iss.Lines[0].ID

	cases := map[string][]ReturnLineInput{
		"foreign line": {{LineID: lineID + 100, Qty: d("1")}},
		"zero qty":     {{LineID: lineID, Qty: d("0")}},
		"above issued": {{LineID: lineID, Qty: d("11")}},
		"would round":  {{LineID: lineID, Qty: d("1.00001")}},
		"twice":        {{LineID: lineID, Qty: d("1")}, {LineID: lineID, Qty: d("1")}},
		"empty":        nil,
	}
	for name, lines := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateReturn(ctx, clerk, iss.ID, ReturnInput{Lines: lines})
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	rcvs, _, err := f.svc.List(ctx, ListFilter{Type: TypeReceive})
	require.NoError(t, err)
	_, err = f.svc.CreateReturn(ctx, clerk, rcvs[0].ID, ReturnInput{Lines: []ReturnLineInput{{LineID: rcvs[0].Lines[0].ID, Qty: d("1")}}})
	require.ErrorIs(t, err, ErrValidation)

	draft := f.approveNew(t, TypeIssue, issueLine(productP, locationL1, "1"))
	_, err = f.svc.CreateReturn(ctx, clerk, draft.ID, ReturnInput{Lines: []ReturnLineInput{{LineID: draft.Lines[0].ID, Qty: d("1")}}})
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestReturnedIssueCannotBeReversed(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	iss := issued(t, f)
	lineID := iss.Lines[0].ID

	ret, err := f.svc.CreateReturn(ctx, clerk, iss.ID, ReturnInput{Lines: []ReturnLineInput{{LineID: lineID, Qty: d("10")}}})
	require.NoError(t, err)
	_, err = f.svc.CreateReversal(ctx, clerk, iss.ID, "")
	require.ErrorIs(t, err, ErrDuplicateOperation)
	assert.Contains(t, err.Error(), ret.DocNumber)

	f.drive(t, ret.ID)
	require.True(t, d("100").Equal(f.qty(productP, locationL1)))
	_, err = f.svc.CreateReversal(ctx, clerk, iss.ID, "")
	require.ErrorIs(t, err, ErrDuplicateOperation)
	require.True(t, d("100").Equal(f.qty(productP, locationL1)))
}

func TestCancelledReturnAllowsReversal(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	iss := issued(t, f)

	ret, err := f.svc.CreateReturn(ctx, clerk, iss.ID, ReturnInput{Lines: []ReturnLineInput{{LineID: iss.Lines[0].ID, Qty: d("4")}}})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, clerk, ret.ID, "")
	require.NoError(t, err)

	rev, err := f.svc.CreateReversal(ctx, clerk, iss.ID, "")
	require.NoError(t, err)
	f.drive(t, rev.ID)
	require.True(t, d("100").Equal(f.qty(productP, locationL1)))
}

func TestReversedIssueCannotBeReturned(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	iss := issued(t, f)
	req := ReturnInput{Lines: []ReturnLineInput{{LineID: iss.Lines[0].ID, Qty: d("10")}}}

	rev, err := f.svc.CreateReversal(ctx, clerk, iss.ID, "")
	require.NoError(t, err)
	_, err = f.svc.CreateReturn(ctx, clerk, iss.ID, req)
	require.ErrorIs(t, err, ErrDuplicateOperation)
	assert.Contains(t, err.Error(), rev.DocNumber)

	f.drive(t, rev.ID)
	require.True(t, d("100").Equal(f.qty(productP, locationL1)))
	_, err = f.svc.CreateReturn(ctx, clerk, iss.ID, req)
	require.ErrorIs(t, err, ErrDuplicateOperation)
	require.True(t, d("100").Equal(f.qty(productP, locationL1)))
}

func TestRejectedReversalResubmitBlockedByReturn(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	iss := issued(t, f)

	rev, err := f.svc.CreateReversal(ctx, clerk, iss.ID, "")
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, clerk, rev.ID)
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, approver, rev.ID, "customer is returning instead")
	require.NoError(t, err)

	ret, err := f.svc.CreateReturn(ctx, clerk, iss.ID, ReturnInput{Lines: []ReturnLineInput{{LineID: iss.Lines[0].ID, Qty: d("10")}}})
	require.NoError(t, err)
	f.drive(t, ret.ID)

	_, err = f.svc.Submit(ctx, clerk, rev.ID)
	require.ErrorIs(t, err, ErrDuplicateOperation)
	require.Equal(t, StatusRejected, f.repo.doc(rev.ID).Status)
	require.True(t, d("100").Equal(f.qty(productP, locationL1)))
}

func TestReturnable(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	iss := issued(t, f)
	lineID := iss.Lines[0].ID

	posted, err := f.svc.CreateReturn(ctx, clerk, iss.ID, ReturnInput{Lines: []ReturnLineInput{{LineID: lineID, Qty: d("5")}}})
	require.NoError(t, err)
	f.drive(t, posted.ID)
	_, err = f.svc.CreateReturn(ctx, clerk, iss.ID, ReturnInput{Lines: []ReturnLineInput{{LineID: lineID, Qty: d("2")}}})
	require.NoError(t, err)
	cancelled, err := f.svc.CreateReturn(ctx, clerk, iss.ID, ReturnInput{Lines: []ReturnLineInput{{LineID: lineID, Qty: d("1")}}})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, clerk, cancelled.ID, "")
	require.NoError(t, err)

	lines, err := f.svc.Returnable(ctx, iss.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	r := lines[0]
	assert.Equal(t, locationL1, r.LocationID)
	assert.True(t, d("10").Equal(r.Issued))
	assert.True(t, d("5").Equal(r.Returned))
	assert.True(t, d("2").Equal(r.Pending))
	assert.True(t, d("3").Equal(r.Remaining))
}

func TestReturnOfLotIssueRestoresLot(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	rcv := f.postNew(t, TypeReceive, LineInput{
		ProductID: productLot, ToLocationID: ptr(locationL1), Qty: d("10"),
		Lot: &LotInput{LotNumber: "R-1"},
	})
	lotID := *rcv.Lines[0].Lot.LotID
	iss := f.postNew(t, TypeIssue, LineInput{
		ProductID: productLot, FromLocationID: ptr(locationL1), Qty: d("6"),
		Lot: &LotInput{LotNumber: "R-1"},
	})

	ret, err := f.svc.CreateReturn(ctx, clerk, iss.ID, ReturnInput{Lines: []ReturnLineInput{{LineID: iss.Lines[0].ID, Qty: d("2")}}})
	require.NoError(t, err)
	require.NotNil(t, ret.Lines[0].Lot)
	assert.True(t, d("2").Equal(ret.Lines[0].Lot.Qty))

	f.drive(t, ret.ID)
	require.True(t, d("6").Equal(f.repo.balances.LotQty(balance.LotKey{LotID: lotID, LocationID: locationL1})))
	require.True(t, d("6").Equal(f.qty(productLot, locationL1)))
}
