// Package ingest implements the Ingest Pipeline (C4): it decodes a CAR
// payload, sorts its contents into a single Strand/Tixel shape, and hands
// the result to the Store. Root ingest (PUT /) requires every block to be
// a Strand; strand-scoped ingest (PUT /{strand_cid}) requires every block
// to be a Tixel belonging to that strand, sorted ascending by index before
// handoff — the Store's append protocol assumes that ordering.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"

	"github.com/twine-protocol/twine-spool-service/pkg/carutil"
	"github.com/twine-protocol/twine-spool-service/pkg/store"
	"github.com/twine-protocol/twine-spool-service/pkg/twine"
)

// ErrMixedKinds means a CAR payload aimed at the root collection contained
// something other than Strands, or one aimed at a strand contained
// something other than Tixels for that strand.
var ErrMixedKinds = errors.New("ingest: car payload contains a block of the wrong kind")

// Pipeline decodes and validates CAR payloads before handing them to a
// Store.
type Pipeline struct {
	store store.Store
}

// New builds a Pipeline backed by s.
func New(s store.Store) *Pipeline {
	return &Pipeline{store: s}
}

// IngestStrands decodes body as a CAR stream and saves every block as a
// Strand. Any decoding or verification failure aborts the whole request —
// nothing already in body is partially applied beyond whatever SaveStrand
// itself commits per-row.
func (p *Pipeline) IngestStrands(ctx context.Context, body []byte, writable bool) error {
	blocks, err := carutil.Decode(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrBadRequest, err)
	}

	strands := make([]*twine.Strand, 0, len(blocks))
	for _, blk := range blocks {
		decoded, err := twine.Decode(blk.CID, blk.Data)
		if err != nil {
			return fmt.Errorf("%w: %w", store.ErrBadRequest, err)
		}
		s, ok := decoded.(*twine.Strand)
		if !ok {
			return fmt.Errorf("%w: expected a strand, got %s", ErrMixedKinds, blk.CID)
		}
		strands = append(strands, s)
	}

	for _, s := range strands {
		if err := p.store.SaveStrand(ctx, s, writable); err != nil {
			return err
		}
	}
	return nil
}

// IngestTixels decodes body as a CAR stream and saves every block as a
// Tixel belonging to strandCID, in ascending index order. Every block must
// decode as a Tixel and claim strandCID as its strand; any other block
// aborts the whole request before anything is saved.
func (p *Pipeline) IngestTixels(ctx context.Context, strandCID cid.Cid, body []byte) error {
	blocks, err := carutil.Decode(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrBadRequest, err)
	}

	tixels := make([]*twine.Tixel, 0, len(blocks))
	for _, blk := range blocks {
		decoded, err := twine.Decode(blk.CID, blk.Data)
		if err != nil {
			return fmt.Errorf("%w: %w", store.ErrBadRequest, err)
		}
		t, ok := decoded.(*twine.Tixel)
		if !ok {
			return fmt.Errorf("%w: expected a tixel, got %s", ErrMixedKinds, blk.CID)
		}
		if t.StrandCID != strandCID {
			return fmt.Errorf("%w: tixel %s belongs to strand %s, not %s", ErrMixedKinds, t.CID, t.StrandCID, strandCID)
		}
		tixels = append(tixels, t)
	}

	sort.Slice(tixels, func(i, j int) bool { return tixels[i].Index < tixels[j].Index })

	return p.store.SaveTixels(ctx, tixels)
}
