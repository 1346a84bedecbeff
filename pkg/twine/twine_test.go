package twine_test

import (
	"testing"

	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/stretchr/testify/require"
	"github.com/twine-protocol/twine-spool-service/pkg/internal/testutil"
	"github.com/twine-protocol/twine-spool-service/pkg/twine"
)

func TestStrandRoundTrip(t *testing.T) {
	_, priv := testutil.RandomKeyPair()
	s, err := twine.NewStrand("test/1.0.0", nil, testutil.RandomBytes(16), priv)
	require.NoError(t, err)
	require.Equal(t, twine.KindStrand, twine.KindOf(s.CID))

	decoded, err := twine.DecodeStrand(s.Bytes)
	require.NoError(t, err)
	require.Equal(t, s.Specification, decoded.Specification)
	require.Equal(t, s.PublicKey, decoded.PublicKey)

	decoded.CID = s.CID
	require.NoError(t, decoded.Verify())
}

func TestStrandVerifyRejectsTamperedBytes(t *testing.T) {
	_, priv := testutil.RandomKeyPair()
	s, err := twine.NewStrand("test/1.0.0", nil, testutil.RandomBytes(16), priv)
	require.NoError(t, err)

	tampered := append([]byte(nil), s.Bytes...)
	tampered[len(tampered)-1] ^= 0xFF
	bad := &twine.Strand{CID: s.CID, Bytes: tampered}
	require.ErrorIs(t, bad.Verify(), twine.ErrVerification)
}

func TestTixelChain(t *testing.T) {
	pub, priv := testutil.RandomKeyPair()
	_ = pub
	strand, err := twine.NewStrand("test/1.0.0", nil, testutil.RandomBytes(16), priv)
	require.NoError(t, err)

	t0, err := twine.NewTixel(strand, 0, nil, nil, basicnode.NewInt(1), priv)
	require.NoError(t, err)
	require.Equal(t, twine.KindTixel, twine.KindOf(t0.CID))

	back := &twine.Stitch{Strand: strand.CID, Tixel: t0.CID}
	t1, err := twine.NewTixel(strand, 1, back, nil, basicnode.NewInt(2), priv)
	require.NoError(t, err)

	decoded, err := twine.DecodeTixel(t1.Bytes)
	require.NoError(t, err)
	decoded.CID = t1.CID
	require.NoError(t, decoded.Verify(strand))

	bs, ok := decoded.BackStitch()
	require.True(t, ok)
	require.True(t, bs.Tixel.Equals(t0.CID))
	require.True(t, bs.Strand.Equals(strand.CID))
}

func TestTixelRequiresBackStitchPastGenesis(t *testing.T) {
	_, priv := testutil.RandomKeyPair()
	strand, err := twine.NewStrand("test/1.0.0", nil, testutil.RandomBytes(16), priv)
	require.NoError(t, err)
	_, err = twine.NewTixel(strand, 1, nil, nil, basicnode.NewInt(1), priv)
	require.Error(t, err)
}
