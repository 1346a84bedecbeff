package query

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/twine-protocol/twine-spool-service/pkg/store"
	"github.com/twine-protocol/twine-spool-service/pkg/twine"
)

// Twine is the (Strand, Tixel) pair presented to clients as one addressable
// unit.
type Twine struct {
	Strand *twine.Strand
	Tixel  *twine.Tixel
}

// ResultKind tags the variant held by a Result. The evaluator returns a
// tagged union rather than leaning on subtype polymorphism, per spec §9.
type ResultKind int

const (
	ResultStrand ResultKind = iota
	ResultTwine
	ResultList
)

// Result is the tagged Strand | Twine | List<Twine> the evaluator produces.
type Result struct {
	Kind   ResultKind
	Strand *twine.Strand
	Twine  *Twine
	List   []Twine
}

// Evaluator resolves parsed queries against a Store.
type Evaluator struct {
	store        store.Store
	maxBatchSize uint64
}

// New builds an Evaluator bounding range queries at maxBatchSize (spec's
// MAX_BATCH_SIZE environment variable).
func New(s store.Store, maxBatchSize uint64) *Evaluator {
	return &Evaluator{store: s, maxBatchSize: maxBatchSize}
}

// resolveStrandAndTixel fetches both blocks concurrently — the database
// round trips are the only suspension points here, so there is no shared
// mutable state to guard beyond collecting the two results.
func (e *Evaluator) resolveStrandAndTixel(ctx context.Context, strandCID, tixelCID cid.Cid) (*twine.Strand, *twine.Tixel, error) {
	var strand *twine.Strand
	var tixel *twine.Tixel
	var strandErr, tixelErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		strand, strandErr = e.store.GetStrand(ctx, strandCID)
	}()
	go func() {
		defer wg.Done()
		tixel, tixelErr = e.store.GetTixel(ctx, tixelCID)
	}()
	wg.Wait()
	if strandErr != nil {
		return nil, nil, strandErr
	}
	if tixelErr != nil {
		return nil, nil, tixelErr
	}
	return strand, tixel, nil
}

// resolveIndex turns a signed index into an absolute one, resolving
// negative values against the strand's current latest Tixel (spec §9:
// resolved against latest at query time; a race with a concurrent append
// is acceptable and intentional).
func (e *Evaluator) resolveIndex(ctx context.Context, strandCID cid.Cid, idx int64) (uint64, error) {
	if idx >= 0 {
		return uint64(idx), nil
	}
	latest, err := e.store.LatestTixel(ctx, strandCID)
	if err != nil {
		return 0, err
	}
	resolved := int64(latest.Index) + idx + 1
	if resolved < 0 {
		return 0, store.ErrNotFound
	}
	return uint64(resolved), nil
}

// Evaluate resolves q to a Result.
func (e *Evaluator) Evaluate(ctx context.Context, q Query) (Result, error) {
	switch q.Form {
	case FormCID:
		return e.evaluateCID(ctx, q.CID)
	case FormStitch:
		return e.evaluateStitch(ctx, q.StrandCID, q.TixelCID)
	case FormIndex:
		return e.evaluateIndex(ctx, q.StrandCID, q.Index)
	case FormRange:
		return e.evaluateRange(ctx, q)
	default:
		return Result{}, fmt.Errorf("%w: unknown form", ErrInvalidQuery)
	}
}

func (e *Evaluator) evaluateCID(ctx context.Context, c cid.Cid) (Result, error) {
	strand, err := e.store.GetStrand(ctx, c)
	if err == nil {
		return Result{Kind: ResultStrand, Strand: strand}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}
	tixel, err := e.store.GetTixel(ctx, c)
	if err != nil {
		return Result{}, err
	}
	strand, err = e.store.GetStrand(ctx, tixel.StrandCID)
	if err != nil {
		return Result{}, err
	}
	return Result{Kind: ResultTwine, Twine: &Twine{Strand: strand, Tixel: tixel}}, nil
}

func (e *Evaluator) evaluateStitch(ctx context.Context, strandCID, tixelCID cid.Cid) (Result, error) {
	strand, tixel, err := e.resolveStrandAndTixel(ctx, strandCID, tixelCID)
	if err != nil {
		return Result{}, err
	}
	if tixel.StrandCID != strandCID {
		return Result{}, fmt.Errorf("%w: tixel's stored strand does not match the requested strand", store.ErrVerification)
	}
	return Result{Kind: ResultTwine, Twine: &Twine{Strand: strand, Tixel: tixel}}, nil
}

func (e *Evaluator) evaluateIndex(ctx context.Context, strandCID cid.Cid, signedIdx int64) (Result, error) {
	idx, err := e.resolveIndex(ctx, strandCID, signedIdx)
	if err != nil {
		return Result{}, err
	}
	strand, err := e.store.GetStrand(ctx, strandCID)
	if err != nil {
		return Result{}, err
	}
	tixel, err := e.store.GetTixelByIndex(ctx, strandCID, idx)
	if err != nil {
		return Result{}, err
	}
	return Result{Kind: ResultTwine, Twine: &Twine{Strand: strand, Tixel: tixel}}, nil
}

func (e *Evaluator) evaluateRange(ctx context.Context, q Query) (Result, error) {
	start, err := e.resolveIndex(ctx, q.StrandCID, q.RangeStart)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Kind: ResultList, List: nil}, nil
		}
		return Result{}, err
	}
	end, err := e.resolveIndex(ctx, q.StrandCID, q.RangeEnd)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Kind: ResultList, List: nil}, nil
		}
		return Result{}, err
	}

	direction := store.Ascending
	if start > end {
		direction = store.Descending
	}
	absRange := store.AbsoluteRange{StrandCID: q.StrandCID, Start: start, End: end, Direction: direction}
	if absRange.Len() > e.maxBatchSize {
		return Result{}, fmt.Errorf("%w: range size too large", store.ErrBadRequest)
	}

	strand, err := e.store.GetStrand(ctx, q.StrandCID)
	if err != nil {
		return Result{}, err
	}

	var list []Twine
	for tixel, err := range e.store.RangeStream(ctx, absRange) {
		if err != nil {
			return Result{}, err
		}
		list = append(list, Twine{Strand: strand, Tixel: tixel})
	}
	return Result{Kind: ResultList, List: list}, nil
}

// Exists is the HEAD existence probe: defined only for single-item queries.
// Range queries fail ErrInvalidQuery (spec §4.2).
func (e *Evaluator) Exists(ctx context.Context, q Query) (bool, error) {
	if !q.IsSingleItem() {
		return false, fmt.Errorf("%w: HEAD is not defined for range queries", ErrInvalidQuery)
	}
	_, err := e.Evaluate(ctx, q)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, err
}
