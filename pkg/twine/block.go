// Package twine is the Block Library the spec treats as an external
// collaborator (C1): it parses, verifies, and serializes Strand and Tixel
// blocks, and is the sole place that knows how a CID is computed from
// block bytes. The Store (pkg/store) and Ingest Pipeline (pkg/ingest)
// consume it only through the narrow surface exported here.
package twine

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
)

// CodecStrand and CodecTixel tag the CIDs of Strand and Tixel blocks
// respectively, in the multicodec private-use range (0x300000-0x3FFFFF),
// so the codec of a CID alone is enough to tell the two kinds apart without
// decoding the block — the dispatch the Ingest Pipeline relies on (spec
// §4.3).
const (
	CodecStrand = multicodec.Code(0x300000)
	CodecTixel  = multicodec.Code(0x300001)
)

// Kind identifies which of the two block types a CID's codec tag names.
type Kind int

const (
	KindUnknown Kind = iota
	KindStrand
	KindTixel
)

// KindOf inspects c's codec tag to say whether it names a Strand or a
// Tixel, without touching the block's bytes.
func KindOf(c cid.Cid) Kind {
	switch multicodec.Code(c.Prefix().Codec) {
	case CodecStrand:
		return KindStrand
	case CodecTixel:
		return KindTixel
	default:
		return KindUnknown
	}
}

// Decode parses data according to c's codec tag, returning either a *Strand
// or a *Tixel (never both, never neither on success). It does not verify
// the signature; callers that need a trusted block call Verify afterward.
func Decode(c cid.Cid, data []byte) (any, error) {
	switch KindOf(c) {
	case KindStrand:
		s, err := DecodeStrand(data)
		if err != nil {
			return nil, err
		}
		s.CID = c
		return s, nil
	case KindTixel:
		t, err := DecodeTixel(data)
		if err != nil {
			return nil, err
		}
		t.CID = c
		return t, nil
	default:
		return nil, fmt.Errorf("%w: codec %#x", ErrWrongCodec, c.Prefix().Codec)
	}
}
