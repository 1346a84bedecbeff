package store_test

import (
	"context"
	"testing"

	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/stretchr/testify/require"

	"github.com/twine-protocol/twine-spool-service/pkg/internal/testutil"
	"github.com/twine-protocol/twine-spool-service/pkg/store"
	"github.com/twine-protocol/twine-spool-service/pkg/store/storetest"
	"github.com/twine-protocol/twine-spool-service/pkg/twine"
)

func newChain(t *testing.T, n int) (*twine.Strand, []*twine.Tixel) {
	t.Helper()
	_, priv := testutil.RandomKeyPair()
	strand, err := twine.NewStrand("test/1.0.0", nil, testutil.RandomBytes(16), priv)
	require.NoError(t, err)

	var tixels []*twine.Tixel
	var back *twine.Stitch
	for i := 0; i < n; i++ {
		tx, err := twine.NewTixel(strand, uint64(i), back, nil, basicnode.NewInt(int64(i)), priv)
		require.NoError(t, err)
		tixels = append(tixels, tx)
		back = &twine.Stitch{Strand: strand.CID, Tixel: tx.CID}
	}
	return strand, tixels
}

func TestSaveTixelRequiresWritableStrand(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	strand, tixels := newChain(t, 1)
	require.NoError(t, s.SaveStrand(ctx, strand, false))
	require.NoError(t, s.SaveTixel(ctx, tixels[0]))
	has, err := s.HasTixel(ctx, tixels[0].CID)
	require.NoError(t, err)
	require.False(t, has, "append against a non-writable strand must be a silent no-op")
}

func TestSaveTixelLinkageViolation(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	strand, tixels := newChain(t, 3)
	require.NoError(t, s.SaveStrand(ctx, strand, true))
	require.NoError(t, s.SaveTixel(ctx, tixels[0]))
	// skip tixels[1], attempt to append tixels[2] directly
	require.NoError(t, s.SaveTixel(ctx, tixels[2]))

	has0, _ := s.HasTixel(ctx, tixels[0].CID)
	has2, _ := s.HasTixel(ctx, tixels[2].CID)
	require.True(t, has0)
	require.False(t, has2, "linkage violation must leave the gap unfilled")

	_, err := s.GetTixelByIndex(ctx, strand.CID, 2)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveTixelIdempotentReingest(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	strand, tixels := newChain(t, 3)
	require.NoError(t, s.SaveStrand(ctx, strand, true))
	require.NoError(t, s.SaveTixels(ctx, tixels))
	require.NoError(t, s.SaveTixels(ctx, tixels))

	has, err := s.HasIndex(ctx, strand.CID, 2)
	require.NoError(t, err)
	require.True(t, has)

	latest, err := s.LatestTixel(ctx, strand.CID)
	require.NoError(t, err)
	require.True(t, latest.CID.Equals(tixels[2].CID))
}

func TestSaveStrandIdempotent(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	strand, _ := newChain(t, 0)
	require.NoError(t, s.SaveStrand(ctx, strand, true))
	require.NoError(t, s.SaveStrand(ctx, strand, true))

	has, err := s.HasStrand(ctx, strand.CID)
	require.NoError(t, err)
	require.True(t, has)
}

func TestRangeStream(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	strand, tixels := newChain(t, 5)
	require.NoError(t, s.SaveStrand(ctx, strand, true))
	require.NoError(t, s.SaveTixels(ctx, tixels))

	var got []uint64
	for tx, err := range s.RangeStream(ctx, store.AbsoluteRange{StrandCID: strand.CID, Start: 1, End: 3, Direction: store.Ascending}) {
		require.NoError(t, err)
		got = append(got, tx.Index)
	}
	require.Equal(t, []uint64{1, 2, 3}, got)

	got = nil
	for tx, err := range s.RangeStream(ctx, store.AbsoluteRange{StrandCID: strand.CID, Start: 3, End: 1, Direction: store.Descending}) {
		require.NoError(t, err)
		got = append(got, tx.Index)
	}
	require.Equal(t, []uint64{3, 2, 1}, got)
}
