// Package store owns the Strand and Tixel tables: it enforces every
// append invariant in the data model (CID integrity, signature validity,
// strand anchoring, index monotonicity and density, uniqueness, the
// writable gate) and provides the resolution and streaming primitives the
// Query Evaluator (pkg/query) builds on.
package store

import (
	"context"
	"iter"

	"github.com/ipfs/go-cid"
	"github.com/twine-protocol/twine-spool-service/pkg/twine"
)

// PageSize bounds one internal page of ListStrands.
const PageSize = 100

// BatchSize bounds one internal batch of RangeStream.
const BatchSize = 1000

// SaveChunkSize is the chunk size for buffered bulk saves. SaveTixels does
// not use it: it applies the slice it is given in one sequential pass.
const SaveChunkSize = 100

// Direction is the order a Range is resolved and streamed in.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// AbsoluteRange is a fully resolved, non-relative index range over a single
// strand's Tixels, inclusive on both ends.
type AbsoluteRange struct {
	StrandCID cid.Cid
	Start     uint64
	End       uint64
	Direction Direction
}

// Len reports how many indices the range spans.
func (r AbsoluteRange) Len() uint64 {
	if r.Start <= r.End {
		return r.End - r.Start + 1
	}
	return r.Start - r.End + 1
}

// Store is the narrow contract the Query Evaluator, Ingest Pipeline and
// Registration Engine depend on. sqlstore.Store is the one production
// implementation; pkg/store/storetest provides an in-memory fake for tests
// of those consumers.
type Store interface {
	HasStrand(ctx context.Context, c cid.Cid) (bool, error)
	HasTixel(ctx context.Context, c cid.Cid) (bool, error)
	HasIndex(ctx context.Context, strandCID cid.Cid, index uint64) (bool, error)

	GetStrand(ctx context.Context, c cid.Cid) (*twine.Strand, error)
	GetTixel(ctx context.Context, c cid.Cid) (*twine.Tixel, error)
	GetTixelByIndex(ctx context.Context, strandCID cid.Cid, index uint64) (*twine.Tixel, error)
	LatestTixel(ctx context.Context, strandCID cid.Cid) (*twine.Tixel, error)

	// ListStrands yields every stored Strand, paginated internally in
	// PageSize chunks. Order is unspecified but stable within one
	// iteration; re-invocation restarts from the beginning.
	ListStrands(ctx context.Context) iter.Seq2[*twine.Strand, error]

	// RangeStream yields Tixels in r's direction, fetched in internal
	// batches of BatchSize.
	RangeStream(ctx context.Context, r AbsoluteRange) iter.Seq2[*twine.Tixel, error]

	// SaveStrand appends s idempotently. writable is only consulted when
	// the row is first created — the append invariants care only about
	// the value already stored thereafter. true is passed by the
	// Registration Engine when it admits a strand, by the authenticated
	// PUT / ingest, and by the pulse command (see DESIGN.md, "Open
	// Questions resolved").
	SaveStrand(ctx context.Context, s *twine.Strand, writable bool) error
	SaveTixel(ctx context.Context, t *twine.Tixel) error

	// SaveTixels applies a run of Tixels in the order given. Callers must
	// sort ascending by index first (spec §4.1); this does not assume
	// contiguity, and every Tixel carries its own linkage check. An append
	// the store rejects (non-writable strand, missing or mismatched parent)
	// is a silent no-op and the run continues; it aborts on the first
	// returned error, leaving any earlier writes in the run committed.
	SaveTixels(ctx context.Context, ts []*twine.Tixel) error
}
