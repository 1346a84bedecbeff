package twine

import (
	"crypto/ed25519"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/datamodel"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"
)

// Strand is a signed genesis/specification block identifying a chain. It is
// immutable once constructed: every field is derived from Bytes, and Bytes
// hashes to CID.
type Strand struct {
	CID           cid.Cid
	Bytes         []byte
	Specification string
	Details       datamodel.Node
	PublicKey     ed25519.PublicKey
}

// strandPrefix governs the CID assigned to every Strand block: CIDv1,
// tagged with CodecStrand so the ingest pipeline can dispatch on it without
// first decoding the bytes, sha2-256 digest.
var strandPrefix = cid.Prefix{
	Version:  1,
	Codec:    uint64(CodecStrand),
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// NewStrand signs a fresh Strand with priv and computes its CID. genesis is
// arbitrary nonce material the caller supplies to make the content unique
// (e.g. random bytes, or a fixed seed for a deterministic well-known chain).
func NewStrand(spec string, details datamodel.Node, genesis []byte, priv ed25519.PrivateKey) (*Strand, error) {
	if details == nil {
		details = basicnode.NewBool(false)
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("twine: private key has no ed25519 public key")
	}
	content := strandContent{
		Spec:    spec,
		Genesis: genesis,
		Details: details,
		Key:     encodeTaggedKey(pub),
	}
	contentBytes, err := encodeNode(&content, strandContentPrototype.Type())
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, contentBytes)
	signed := signedStrand{Content: content, Signature: sig}
	data, err := encodeNode(&signed, signedStrandPrototype.Type())
	if err != nil {
		return nil, err
	}
	c, err := strandPrefix.Sum(data)
	if err != nil {
		return nil, fmt.Errorf("twine: computing strand cid: %w", err)
	}
	return &Strand{
		CID:           c,
		Bytes:         data,
		Specification: spec,
		Details:       details,
		PublicKey:     pub,
	}, nil
}

// DecodeStrand parses data as a SignedStrand block, without verifying the
// signature or recomputing the CID — callers needing a trusted result call
// Verify.
func DecodeStrand(data []byte) (*Strand, error) {
	node, err := decodeNode(data, signedStrandPrototype)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	signed, ok := bindnodeUnwrap[signedStrand](node)
	if !ok {
		return nil, fmt.Errorf("%w: not a signed strand", ErrMalformed)
	}
	pub, err := decodeTaggedKey(signed.Content.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &Strand{
		Bytes:         data,
		Specification: signed.Content.Spec,
		Details:       signed.Content.Details,
		PublicKey:     pub,
	}, nil
}

// encodeTaggedKey prefixes pub with a varint-encoded multicodec tag, the
// same "multikey" shape did:key uses: varint(code) || raw key bytes. This
// is what lets a future key type share the Key field without a schema
// change.
func encodeTaggedKey(pub ed25519.PublicKey) []byte {
	tag := varint.ToUvarint(uint64(multicodec.Ed25519Pub))
	return append(tag, pub...)
}

// decodeTaggedKey reverses encodeTaggedKey, rejecting anything tagged with
// a codec other than Ed25519Pub — the only key type Strand/Tixel signing
// supports today.
func decodeTaggedKey(tagged []byte) (ed25519.PublicKey, error) {
	code, n, err := varint.FromUvarint(tagged)
	if err != nil {
		return nil, fmt.Errorf("decoding tagged public key: %w", err)
	}
	if multicodec.Code(code) != multicodec.Ed25519Pub {
		return nil, fmt.Errorf("public key tagged with unsupported codec %#x", code)
	}
	pub := ed25519.PublicKey(tagged[n:])
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad public key length %d", len(pub))
	}
	return pub, nil
}

// Verify recomputes s.CID from s.Bytes and checks the embedded signature
// over the Strand's content. It is the narrow contract the Store relies on
// for CID integrity and signature validity (spec §3 invariants).
func (s *Strand) Verify() error {
	node, err := decodeNode(s.Bytes, signedStrandPrototype)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerification, err)
	}
	signed, ok := bindnodeUnwrap[signedStrand](node)
	if !ok {
		return fmt.Errorf("%w: not a signed strand", ErrVerification)
	}
	contentBytes, err := encodeNode(&signed.Content, strandContentPrototype.Type())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerification, err)
	}
	pub, err := decodeTaggedKey(signed.Content.Key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerification, err)
	}
	if !ed25519.Verify(pub, contentBytes, signed.Signature) {
		return fmt.Errorf("%w: signature does not match", ErrVerification)
	}
	c, err := strandPrefix.Sum(s.Bytes)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerification, err)
	}
	if s.CID != cid.Undef && !c.Equals(s.CID) {
		return fmt.Errorf("%w: cid does not match bytes", ErrVerification)
	}
	s.CID = c
	s.Specification = signed.Content.Spec
	s.Details = signed.Content.Details
	s.PublicKey = pub
	return nil
}

// Node decodes s.Bytes into the generic IPLD node for the signed strand
// block, for callers (the Response Shaper) that need to re-serialize it in
// a codec other than the canonical DAG-CBOR storage form, e.g. DAG-JSON.
func (s *Strand) Node() (datamodel.Node, error) {
	return decodeNode(s.Bytes, signedStrandPrototype)
}

// link is a small helper turning a cid.Cid into the cidlink.Link the schema
// expects for Link-kinded fields.
func link(c cid.Cid) cidlink.Link {
	return cidlink.Link{Cid: c}
}
