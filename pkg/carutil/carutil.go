// Package carutil implements the CAR (Content Addressable aRchive) framing
// the Ingest Pipeline and Response Shaper both need: a flat, unindexed
// sequence of (CID, block) pairs behind a one-root CARv1 header. Decoding
// accepts either CARv1 or CARv2 input — go-car/v2's reader unwraps the
// CARv2 index transparently and the first CID list header is otherwise
// ignored, exactly as the wire format calls for. Encoding always emits a
// plain CARv1 stream: a single-root header with no index section, since
// these blocks are a flat Strand/Tixel list rather than a traversed DAG.
package carutil

import (
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	carv1 "github.com/ipld/go-car"
	"github.com/ipld/go-car/util"
	carv2 "github.com/ipld/go-car/v2"
	mh "github.com/multiformats/go-multihash"
)

// Block is a raw (CID, bytes) pair as it appears in a CAR stream. The
// caller is responsible for decoding it into a Strand or Tixel via
// pkg/twine.Decode.
type Block struct {
	CID  cid.Cid
	Data []byte
}

// Decode reads every block out of r, which may be a CARv1 or CARv2 stream.
func Decode(r io.Reader) ([]Block, error) {
	br, err := carv2.NewBlockReader(r)
	if err != nil {
		return nil, fmt.Errorf("carutil: reading header: %w", err)
	}

	var out []Block
	for {
		blk, err := br.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("carutil: reading block: %w", err)
		}
		out = append(out, Block{CID: blk.Cid(), Data: blk.RawData()})
	}
	return out, nil
}

// defaultRoot stands in for a root CID when the archive holds no natural
// root of its own (the blocks are a flat list, not a traversed DAG). A
// CARv1 header always names at least one root, so an identity-hashed empty
// payload is used as a conventional placeholder.
func defaultRoot() cid.Cid {
	digest, err := mh.Sum(nil, mh.IDENTITY, -1)
	if err != nil {
		panic(err)
	}
	return cid.NewCidV1(cid.Raw, digest)
}

// Encode writes bs as a single-root CARv1 stream with no index section.
// The first block's CID is used as the header's root when present;
// otherwise a fixed placeholder root is emitted.
func Encode(w io.Writer, bs []Block) error {
	root := defaultRoot()
	if len(bs) > 0 {
		root = bs[0].CID
	}
	header := &carv1.CarHeader{Roots: []cid.Cid{root}, Version: 1}
	if err := carv1.WriteHeader(header, w); err != nil {
		return fmt.Errorf("carutil: writing header: %w", err)
	}
	for _, b := range bs {
		if err := util.LdWrite(w, b.CID.Bytes(), b.Data); err != nil {
			return fmt.Errorf("carutil: writing block %s: %w", b.CID, err)
		}
	}
	return nil
}
