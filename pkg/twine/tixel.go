package twine

import (
	"crypto/ed25519"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multihash"
)

// tixelPrefix governs the CID assigned to every Tixel block: CIDv1 tagged
// with CodecTixel, sha2-256 digest.
var tixelPrefix = cid.Prefix{
	Version:  1,
	Codec:    uint64(CodecTixel),
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// Stitch is a (Strand CID, Tixel CID) pair embedded in a Tixel, referencing
// a specific link somewhere in a strand's history. By convention the first
// entry in a Tixel's Stitches is the "back" stitch: the immediate parent
// within the same strand.
type Stitch struct {
	Strand cid.Cid
	Tixel  cid.Cid
}

// Tixel is one signed link in a chain.
type Tixel struct {
	CID       cid.Cid
	Bytes     []byte
	StrandCID cid.Cid
	Index     uint64
	Stitches  []Stitch
	Payload   datamodel.Node
}

// BackStitch returns the Tixel's parent link within its own strand. Absent
// only for index 0, the chain's first link.
func (t *Tixel) BackStitch() (Stitch, bool) {
	if len(t.Stitches) == 0 {
		return Stitch{}, false
	}
	return t.Stitches[0], true
}

// NewTixel signs a new Tixel extending strand at index, with back as its
// parent back-stitch (nil for index 0) and any additional cross-stitches.
func NewTixel(strand *Strand, index uint64, back *Stitch, extra []Stitch, payload datamodel.Node, priv ed25519.PrivateKey) (*Tixel, error) {
	if payload == nil {
		payload = basicnode.NewBool(false)
	}
	var stitches []stitch
	if back != nil {
		stitches = append(stitches, stitch{Strand: link(back.Strand), Tixel: link(back.Tixel)})
	} else if index != 0 {
		return nil, fmt.Errorf("twine: tixel at index %d requires a back-stitch", index)
	}
	for _, s := range extra {
		stitches = append(stitches, stitch{Strand: link(s.Strand), Tixel: link(s.Tixel)})
	}

	content := tixelContent{
		Strand:   link(strand.CID),
		Index:    int64(index),
		Stitches: stitches,
		Payload:  payload,
	}
	contentBytes, err := encodeNode(&content, tixelContentPrototype.Type())
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, contentBytes)
	signed := signedTixel{Content: content, Signature: sig}
	data, err := encodeNode(&signed, signedTixelPrototype.Type())
	if err != nil {
		return nil, err
	}
	c, err := tixelPrefix.Sum(data)
	if err != nil {
		return nil, fmt.Errorf("twine: computing tixel cid: %w", err)
	}

	out := &Tixel{
		CID:       c,
		Bytes:     data,
		StrandCID: strand.CID,
		Index:     index,
		Payload:   payload,
	}
	if back != nil {
		out.Stitches = append(out.Stitches, *back)
	}
	out.Stitches = append(out.Stitches, extra...)
	return out, nil
}

// DecodeTixel parses data as a SignedTixel block without verifying it.
func DecodeTixel(data []byte) (*Tixel, error) {
	node, err := decodeNode(data, signedTixelPrototype)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	signed, ok := bindnodeUnwrap[signedTixel](node)
	if !ok {
		return nil, fmt.Errorf("%w: not a signed tixel", ErrMalformed)
	}
	return tixelFromSigned(nil, data, signed)
}

// Verify recomputes t.CID from t.Bytes and checks the embedded signature
// over the Tixel's content against strand's public key. It also confirms
// t.StrandCID (once populated) matches the claimed strand.
func (t *Tixel) Verify(strand *Strand) error {
	node, err := decodeNode(t.Bytes, signedTixelPrototype)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerification, err)
	}
	signed, ok := bindnodeUnwrap[signedTixel](node)
	if !ok {
		return fmt.Errorf("%w: not a signed tixel", ErrVerification)
	}
	contentBytes, err := encodeNode(&signed.Content, tixelContentPrototype.Type())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerification, err)
	}
	if !ed25519.Verify(strand.PublicKey, contentBytes, signed.Signature) {
		return fmt.Errorf("%w: signature does not match", ErrVerification)
	}
	c, err := tixelPrefix.Sum(t.Bytes)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerification, err)
	}
	if t.CID != cid.Undef && !c.Equals(t.CID) {
		return fmt.Errorf("%w: cid does not match bytes", ErrVerification)
	}
	rehydrated, err := tixelFromSigned(&c, t.Bytes, signed)
	if err != nil {
		return err
	}
	if rehydrated.StrandCID != strand.CID {
		return fmt.Errorf("%w: strand cid does not match", ErrVerification)
	}
	*t = *rehydrated
	return nil
}

// Node decodes t.Bytes into the generic IPLD node for the signed tixel
// block, for re-serialization in a codec other than the canonical DAG-CBOR
// storage form (the Response Shaper's DAG-JSON output).
func (t *Tixel) Node() (datamodel.Node, error) {
	return decodeNode(t.Bytes, signedTixelPrototype)
}

func tixelFromSigned(c *cid.Cid, data []byte, signed signedTixel) (*Tixel, error) {
	strandCid := signed.Content.Strand.Cid
	stitches := make([]Stitch, 0, len(signed.Content.Stitches))
	for _, s := range signed.Content.Stitches {
		stitches = append(stitches, Stitch{Strand: s.Strand.Cid, Tixel: s.Tixel.Cid})
	}
	out := &Tixel{
		Bytes:     data,
		StrandCID: strandCid,
		Index:     uint64(signed.Content.Index),
		Stitches:  stitches,
		Payload:   signed.Content.Payload,
	}
	if c != nil {
		out.CID = *c
	}
	return out, nil
}
