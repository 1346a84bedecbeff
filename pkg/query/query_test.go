package query_test

import (
	"context"
	"testing"

	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/stretchr/testify/require"

	"github.com/twine-protocol/twine-spool-service/pkg/internal/testutil"
	"github.com/twine-protocol/twine-spool-service/pkg/query"
	"github.com/twine-protocol/twine-spool-service/pkg/store"
	"github.com/twine-protocol/twine-spool-service/pkg/store/storetest"
	"github.com/twine-protocol/twine-spool-service/pkg/twine"
)

func TestParseForms(t *testing.T) {
	c := testutil.RandomCID()

	q, err := query.Parse(c.String())
	require.NoError(t, err)
	require.Equal(t, query.FormCID, q.Form)

	q, err = query.Parse(c.String() + ":" + c.String())
	require.NoError(t, err)
	require.Equal(t, query.FormStitch, q.Form)

	q, err = query.Parse(c.String() + ":-1")
	require.NoError(t, err)
	require.Equal(t, query.FormIndex, q.Form)
	require.Equal(t, int64(-1), q.Index)

	q, err = query.Parse(c.String() + ":latest")
	require.NoError(t, err)
	require.Equal(t, query.FormIndex, q.Form)
	require.Equal(t, int64(-1), q.Index)

	q, err = query.Parse(c.String() + ":0:10")
	require.NoError(t, err)
	require.Equal(t, query.FormRange, q.Form)

	_, err = query.Parse(c.String() + ":0:10:20")
	require.ErrorIs(t, err, query.ErrInvalidQuery)
}

func setupChain(t *testing.T, n int) (*storetest.Fake, *twine.Strand, []*twine.Tixel) {
	t.Helper()
	ctx := context.Background()
	s := storetest.New()
	_, priv := testutil.RandomKeyPair()
	strand, err := twine.NewStrand("test/1.0.0", nil, testutil.RandomBytes(16), priv)
	require.NoError(t, err)
	require.NoError(t, s.SaveStrand(ctx, strand, true))

	var tixels []*twine.Tixel
	var back *twine.Stitch
	for i := 0; i < n; i++ {
		tx, err := twine.NewTixel(strand, uint64(i), back, nil, basicnode.NewInt(int64(i)), priv)
		require.NoError(t, err)
		require.NoError(t, s.SaveTixel(ctx, tx))
		tixels = append(tixels, tx)
		back = &twine.Stitch{Strand: strand.CID, Tixel: tx.CID}
	}
	return s, strand, tixels
}

func TestEvaluateLatest(t *testing.T) {
	ctx := context.Background()
	s, strand, tixels := setupChain(t, 3)
	ev := query.New(s, 1000)

	q, err := query.Parse(strand.CID.String() + ":-1")
	require.NoError(t, err)
	res, err := ev.Evaluate(ctx, q)
	require.NoError(t, err)
	require.Equal(t, query.ResultTwine, res.Kind)
	require.True(t, res.Twine.Tixel.CID.Equals(tixels[2].CID))
}

func TestEvaluateLatestOnEmptyStrandIsNotFound(t *testing.T) {
	ctx := context.Background()
	s, strand, _ := setupChain(t, 0)
	ev := query.New(s, 1000)

	q, err := query.Parse(strand.CID.String() + ":-1")
	require.NoError(t, err)
	_, err = ev.Evaluate(ctx, q)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEvaluateRangeOverflow(t *testing.T) {
	ctx := context.Background()
	s, strand, _ := setupChain(t, 20)
	ev := query.New(s, 10)

	q, err := query.Parse(strand.CID.String() + ":0:19")
	require.NoError(t, err)
	_, err = ev.Evaluate(ctx, q)
	require.ErrorIs(t, err, store.ErrBadRequest)
}

func TestEvaluateRangeDescending(t *testing.T) {
	ctx := context.Background()
	s, strand, tixels := setupChain(t, 5)
	ev := query.New(s, 1000)

	q, err := query.Parse(strand.CID.String() + ":3:1")
	require.NoError(t, err)
	res, err := ev.Evaluate(ctx, q)
	require.NoError(t, err)
	require.Equal(t, query.ResultList, res.Kind)
	require.Len(t, res.List, 3)
	require.True(t, res.List[0].Tixel.CID.Equals(tixels[3].CID))
	require.True(t, res.List[2].Tixel.CID.Equals(tixels[1].CID))
}

func TestExistsRejectsRange(t *testing.T) {
	ctx := context.Background()
	s, strand, _ := setupChain(t, 2)
	ev := query.New(s, 1000)

	q, err := query.Parse(strand.CID.String() + ":0:1")
	require.NoError(t, err)
	_, err = ev.Exists(ctx, q)
	require.ErrorIs(t, err, query.ErrInvalidQuery)
}

func TestStitchMismatchedStrandFails(t *testing.T) {
	ctx := context.Background()
	s, _, tixels := setupChain(t, 1)
	_, otherStrand, _ := setupChain(t, 1)
	require.NoError(t, s.SaveStrand(ctx, otherStrand, true))
	ev := query.New(s, 1000)

	// a stitch query naming a strand the tixel does not actually belong
	// to must fail verification, not silently succeed.
	q := query.Query{Form: query.FormStitch, StrandCID: otherStrand.CID, TixelCID: tixels[0].CID}
	_, err := ev.Evaluate(ctx, q)
	require.ErrorIs(t, err, store.ErrVerification)
}
