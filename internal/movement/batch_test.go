package movement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchPostReportsEachDocument(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	good := f.approveNew(t, TypeReceive, receiveLine(productP, locationL1, "5"))
	short := f.approveNew(t, TypeIssue, issueLine(productP, locationL2, "1000"))

	res, err := f.svc.RunBatch(ctx, approver, BatchInput{Action: BatchPost, IDs: []int64{good.ID, short.ID, 999, good.ID}})
	require.NoError(t, err)
	require.Len(t, res.Results, 4)
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 3, res.Failed)

	assert.True(t, res.Results[0].Success)
	assert.Equal(t, good.DocNumber, res.Results[0].DocNumber)

	assert.False(t, res.Results[1].Success)
	assert.Equal(t, CodeInsufficientStock, res.Results[1].Code)
	assert.Equal(t, short.DocNumber, res.Results[1].DocNumber)

	assert.Equal(t, CodeNotFound, res.Results[2].Code)
	assert.Equal(t, int64(999), res.Results[2].ID)

	assert.Equal(t, CodeDuplicateOperation, res.Results[3].Code)

	require.Equal(t, StatusPosted, f.repo.doc(good.ID).Status)
	require.Equal(t, StatusApproved, f.repo.doc(short.ID).Status)
	require.True(t, d("5").Equal(f.qty(productP, locationL1)))
}

func TestBatchRejectAndCancel(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 3; i++ {
		doc, err := f.svc.Create(ctx, clerk, CreateInput{Type: TypeReceive, Lines: []LineInput{receiveLine(productP, locationL1, "1")}})
		require.NoError(t, err)
		_, err = f.svc.Submit(ctx, clerk, doc.ID)
		require.NoError(t, err)
		ids = append(ids, doc.ID)
	}

	_, err := f.svc.RunBatch(ctx, approver, BatchInput{Action: BatchReject, IDs: ids})
	require.ErrorIs(t, err, ErrValidation)

	res, err := f.svc.RunBatch(ctx, approver, BatchInput{Action: BatchReject, IDs: ids[:2], Reason: "duplicate delivery"})
	require.NoError(t, err)
	require.Equal(t, 2, res.Succeeded)
	require.Equal(t, StatusRejected, f.repo.doc(ids[0]).Status)

	res, err = f.svc.RunBatch(ctx, approver, BatchInput{Action: BatchCancel, IDs: ids})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, CodeStateConflict, res.Results[0].Code)
	assert.True(t, res.Results[2].Success)
}

func TestBatchLimits(t *testing.T) {
	f := newFixture(Config{BatchLimit: 2})
	ctx := context.Background()

	_, err := f.svc.RunBatch(ctx, approver, BatchInput{Action: BatchApprove, IDs: []int64{1, 2, 3}})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "at most 2")

	_, err = f.svc.RunBatch(ctx, approver, BatchInput{Action: BatchApprove})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.RunBatch(ctx, approver, BatchInput{Action: "archive", IDs: []int64{1}})
	require.ErrorIs(t, err, ErrValidation)
}

func TestImportAdjustmentPostsThroughPipeline(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	in := ImportInput{
		Reference: "OPENING-2024",
		Lines: []LineInput{
			{ProductID: productP, ToLocationID: ptr(locationL1), Qty: d("100")},
			{ProductID: productP, ToLocationID: ptr(locationL2), Qty: d("25")},
		},
	}

	doc, err := f.svc.ImportAdjustment(ctx, approver, in)
	require.NoError(t, err)
	require.Equal(t, StatusPosted, doc.Status)
	require.Equal(t, TypeAdjust, doc.Type)
	require.Equal(t, "Import OPENING-2024", doc.Note)
	require.NotNil(t, doc.Link)
	assert.Equal(t, LinkImport, doc.Link.Kind)
	assert.Equal(t, "OPENING-2024", doc.Link.Reference)
	require.True(t, d("100").Equal(f.qty(productP, locationL1)))
	require.True(t, d("25").Equal(f.qty(productP, locationL2)))

	_, err = f.svc.ImportAdjustment(ctx, approver, in)
	require.ErrorIs(t, err, ErrDuplicateOperation)
	require.True(t, d("100").Equal(f.qty(productP, locationL1)))

	assert.Contains(t, f.audit.actions(), "movement:import")
}

func TestImportAdjustmentCancelsOnPostingFailure(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	in := ImportInput{
		Reference: "FIX-7",
		Lines:     []LineInput{{ProductID: productP, ToLocationID: ptr(locationL2), Qty: d("-5")}},
	}

	_, err := f.svc.ImportAdjustment(ctx, approver, in)
	require.ErrorIs(t, err, ErrInsufficientStock)

	docs, _, err := f.svc.List(ctx, ListFilter{LinkKind: LinkImport, LinkReference: "FIX-7"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, StatusCancelled, docs[0].Status)
	assert.Contains(t, docs[0].Note, "import failed")

	in.Lines[0].Qty = d("5")
	doc, err := f.svc.ImportAdjustment(ctx, approver, in)
	require.NoError(t, err)
	require.Equal(t, StatusPosted, doc.Status)
}

func TestImportAdjustmentValidation(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	_, err := f.svc.ImportAdjustment(ctx, approver, ImportInput{Lines: []LineInput{{ProductID: productP, ToLocationID: ptr(locationL1), Qty: d("1")}}})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.ImportAdjustment(ctx, approver, ImportInput{Reference: "X"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.ImportAdjustment(ctx, approver, ImportInput{Reference: "X", Lines: []LineInput{{ProductID: productP, ToLocationID: ptr(locationL1)}}})
	require.ErrorIs(t, err, ErrValidation)

	docs, _, err := f.svc.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Empty(t, docs)
}
