// Package shaper implements the Response Shaper (C7): it formats a Query
// Evaluator Result as either a JSON wrapper or a CAR bundle, per the
// client's Accept header and an optional "full" flag (spec §4.6).
package shaper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/datamodel"

	"github.com/twine-protocol/twine-spool-service/pkg/carutil"
	"github.com/twine-protocol/twine-spool-service/pkg/query"
	"github.com/twine-protocol/twine-spool-service/pkg/twine"
)

// ContentType is the negotiated response representation.
type ContentType int

const (
	ContentTypeJSON ContentType = iota
	ContentTypeCAR
)

// NegotiateContentType maps an Accept header value to a ContentType. CAR is
// selected for either of the two CAR-ish media types spec §6 names;
// anything else (including an empty/absent header) defaults to JSON.
func NegotiateContentType(accept string) ContentType {
	switch accept {
	case "application/vnd.ipld.car", "application/octet-stream":
		return ContentTypeCAR
	default:
		return ContentTypeJSON
	}
}

// item is one entry in the JSON items array.
type item struct {
	CID  string          `json:"cid"`
	Data json.RawMessage `json:"data"`
}

// envelope is the JSON wrapper shape (spec §4.6): { items: [...], strand?
// }. Strand is omitted entirely (not just null) unless full was set.
type envelope struct {
	Items  []item          `json:"items"`
	Strand json.RawMessage `json:"strand,omitempty"`
}

func dagJSON(node datamodel.Node) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := dagjson.Encode(node, &buf); err != nil {
		return nil, fmt.Errorf("shaper: dag-json encoding: %w", err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

func strandJSON(s *twine.Strand) (json.RawMessage, error) {
	node, err := s.Node()
	if err != nil {
		return nil, fmt.Errorf("shaper: decoding strand node: %w", err)
	}
	return dagJSON(node)
}

func tixelJSON(t *twine.Tixel) (json.RawMessage, error) {
	node, err := t.Node()
	if err != nil {
		return nil, fmt.Errorf("shaper: decoding tixel node: %w", err)
	}
	return dagJSON(node)
}

// ShapeJSON formats res as the JSON wrapper envelope. full includes the
// Strand alongside the Twine items; it has no effect on a Strand-only
// result, which is always just that Strand's own items entry.
func ShapeJSON(res query.Result, full bool) ([]byte, error) {
	env := envelope{Items: []item{}}

	switch res.Kind {
	case query.ResultStrand:
		data, err := strandJSON(res.Strand)
		if err != nil {
			return nil, err
		}
		env.Items = []item{{CID: res.Strand.CID.String(), Data: data}}

	case query.ResultTwine:
		data, err := tixelJSON(res.Twine.Tixel)
		if err != nil {
			return nil, err
		}
		env.Items = []item{{CID: res.Twine.Tixel.CID.String(), Data: data}}
		if full {
			sdata, err := strandJSON(res.Twine.Strand)
			if err != nil {
				return nil, err
			}
			env.Strand = sdata
		}

	case query.ResultList:
		env.Items = make([]item, 0, len(res.List))
		for _, tw := range res.List {
			data, err := tixelJSON(tw.Tixel)
			if err != nil {
				return nil, err
			}
			env.Items = append(env.Items, item{CID: tw.Tixel.CID.String(), Data: data})
		}
		if full && len(res.List) > 0 {
			sdata, err := strandJSON(res.List[0].Strand)
			if err != nil {
				return nil, err
			}
			env.Strand = sdata
		}

	default:
		return nil, fmt.Errorf("shaper: unknown result kind %d", res.Kind)
	}

	return json.Marshal(env)
}

// ShapeCAR formats res as a CARv1 stream. For a Strand-only result the
// Strand is the sole block. Otherwise it holds the Tixel(s) in order, with
// the Strand prepended when full is set (spec §4.6).
func ShapeCAR(w io.Writer, res query.Result, full bool) error {
	var blocks []carutil.Block

	switch res.Kind {
	case query.ResultStrand:
		blocks = append(blocks, carutil.Block{CID: res.Strand.CID, Data: res.Strand.Bytes})

	case query.ResultTwine:
		if full {
			blocks = append(blocks, carutil.Block{CID: res.Twine.Strand.CID, Data: res.Twine.Strand.Bytes})
		}
		blocks = append(blocks, carutil.Block{CID: res.Twine.Tixel.CID, Data: res.Twine.Tixel.Bytes})

	case query.ResultList:
		if full && len(res.List) > 0 {
			blocks = append(blocks, carutil.Block{CID: res.List[0].Strand.CID, Data: res.List[0].Strand.Bytes})
		}
		for _, tw := range res.List {
			blocks = append(blocks, carutil.Block{CID: tw.Tixel.CID, Data: tw.Tixel.Bytes})
		}

	default:
		return fmt.Errorf("shaper: unknown result kind %d", res.Kind)
	}

	return carutil.Encode(w, blocks)
}

// ShapeStrandListJSON formats a bare list of Strands (GET / — spec §6) as
// the same items-array envelope ShapeJSON uses, with no strand field since
// there is no single parent chain to single out.
func ShapeStrandListJSON(strands []*twine.Strand) ([]byte, error) {
	env := envelope{Items: make([]item, 0, len(strands))}
	for _, s := range strands {
		data, err := strandJSON(s)
		if err != nil {
			return nil, err
		}
		env.Items = append(env.Items, item{CID: s.CID.String(), Data: data})
	}
	return json.Marshal(env)
}

// ShapeStrandListCAR formats a bare list of Strands as a flat CARv1 stream,
// one block per Strand.
func ShapeStrandListCAR(w io.Writer, strands []*twine.Strand) error {
	blocks := make([]carutil.Block, 0, len(strands))
	for _, s := range strands {
		blocks = append(blocks, carutil.Block{CID: s.CID, Data: s.Bytes})
	}
	return carutil.Encode(w, blocks)
}
