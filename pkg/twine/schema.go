package twine

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/bindnode"
	"github.com/ipld/go-ipld-prime/schema"
)

//go:embed twine.ipldsch
var schemaBytes []byte

var typeSystem *schema.TypeSystem

var (
	signedStrandPrototype schema.TypedPrototype
	signedTixelPrototype  schema.TypedPrototype
	strandContentPrototype schema.TypedPrototype
	tixelContentPrototype  schema.TypedPrototype
)

func init() {
	ts, err := ipld.LoadSchemaBytes(schemaBytes)
	if err != nil {
		panic(fmt.Errorf("twine: loading ipld schema: %w", err))
	}
	typeSystem = ts

	signedStrandPrototype = bindnode.Prototype((*signedStrand)(nil), ts.TypeByName("SignedStrand"))
	signedTixelPrototype = bindnode.Prototype((*signedTixel)(nil), ts.TypeByName("SignedTixel"))
	strandContentPrototype = bindnode.Prototype((*strandContent)(nil), ts.TypeByName("StrandContent"))
	tixelContentPrototype = bindnode.Prototype((*tixelContent)(nil), ts.TypeByName("TixelContent"))
}

// stitch is the Go shape bound to the schema's Stitch tuple: a reference to
// a Tixel within the strand it belongs to.
type stitch struct {
	Strand cidlink.Link
	Tixel  cidlink.Link
}

type strandContent struct {
	Spec    string
	Genesis []byte
	Details datamodel.Node
	Key     []byte
}

type tixelContent struct {
	Strand   cidlink.Link
	Index    int64
	Stitches []stitch
	Payload  datamodel.Node
}

type signedStrand struct {
	Content   strandContent
	Signature []byte
}

type signedTixel struct {
	Content   tixelContent
	Signature []byte
}

// encodeNode dag-cbor encodes a bindnode-wrapped Go value into its canonical
// byte form. Used both to compute the CID and, for the *Content shapes, to
// produce the bytes a signature is made over.
func encodeNode(val any, typ schema.Type) ([]byte, error) {
	node := bindnode.Wrap(val, typ)
	var buf bytes.Buffer
	if err := dagcbor.Encode(node, &buf); err != nil {
		return nil, fmt.Errorf("twine: encoding dag-cbor: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeNode(data []byte, prototype schema.TypedPrototype) (datamodel.Node, error) {
	nb := prototype.NewBuilder()
	if err := dagcbor.Decode(nb, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("twine: decoding dag-cbor: %w", err)
	}
	return nb.Build(), nil
}

// bindnodeUnwrap recovers the Go value a bindnode node was built from.
func bindnodeUnwrap[T any](node datamodel.Node) (T, bool) {
	v, ok := bindnode.Unwrap(node).(*T)
	if !ok {
		var zero T
		return zero, false
	}
	return *v, true
}
