// Package storetest provides an in-memory store.Store fake for tests of
// its consumers (pkg/query, pkg/ingest), mirroring sqlstore's append
// semantics without a database.
package storetest

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/twine-protocol/twine-spool-service/pkg/store"
	"github.com/twine-protocol/twine-spool-service/pkg/twine"
)

type strandRow struct {
	strand   *twine.Strand
	writable bool
}

// Fake is an in-memory store.Store.
type Fake struct {
	mu      sync.Mutex
	strands map[cid.Cid]*strandRow
	tixels  map[cid.Cid]*twine.Tixel
	byIndex map[cid.Cid]map[uint64]cid.Cid // strand cid -> index -> tixel cid
}

var _ store.Store = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		strands: make(map[cid.Cid]*strandRow),
		tixels:  make(map[cid.Cid]*twine.Tixel),
		byIndex: make(map[cid.Cid]map[uint64]cid.Cid),
	}
}

func (f *Fake) HasStrand(_ context.Context, c cid.Cid) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.strands[c]
	return ok, nil
}

func (f *Fake) HasTixel(_ context.Context, c cid.Cid) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tixels[c]
	return ok, nil
}

func (f *Fake) HasIndex(_ context.Context, strandCID cid.Cid, index uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.byIndex[strandCID]
	if !ok {
		return false, nil
	}
	_, ok = idx[index]
	return ok, nil
}

func (f *Fake) GetStrand(_ context.Context, c cid.Cid) (*twine.Strand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.strands[c]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *row.strand
	return &copied, nil
}

func (f *Fake) GetTixel(_ context.Context, c cid.Cid) (*twine.Tixel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tixels[c]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (f *Fake) GetTixelByIndex(_ context.Context, strandCID cid.Cid, index uint64) (*twine.Tixel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.byIndex[strandCID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c, ok := idx[index]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *f.tixels[c]
	return &copied, nil
}

func (f *Fake) LatestTixel(_ context.Context, strandCID cid.Cid) (*twine.Tixel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.byIndex[strandCID]
	if !ok || len(idx) == 0 {
		return nil, store.ErrNotFound
	}
	var max uint64
	found := false
	for i := range idx {
		if !found || i > max {
			max, found = i, true
		}
	}
	copied := *f.tixels[idx[max]]
	return &copied, nil
}

func (f *Fake) ListStrands(_ context.Context) iter.Seq2[*twine.Strand, error] {
	return func(yield func(*twine.Strand, error) bool) {
		f.mu.Lock()
		rows := make([]*twine.Strand, 0, len(f.strands))
		for _, row := range f.strands {
			copied := *row.strand
			rows = append(rows, &copied)
		}
		f.mu.Unlock()
		sort.Slice(rows, func(i, j int) bool { return rows[i].CID.String() < rows[j].CID.String() })
		for _, s := range rows {
			if !yield(s, nil) {
				return
			}
		}
	}
}

func (f *Fake) RangeStream(_ context.Context, r store.AbsoluteRange) iter.Seq2[*twine.Tixel, error] {
	return func(yield func(*twine.Tixel, error) bool) {
		f.mu.Lock()
		idx := f.byIndex[r.StrandCID]
		step := func(i uint64) uint64 { return i + 1 }
		if r.Direction == store.Descending {
			step = func(i uint64) uint64 { return i - 1 }
		}
		var out []*twine.Tixel
		i := r.Start
		for {
			if c, ok := idx[i]; ok {
				copied := *f.tixels[c]
				out = append(out, &copied)
			}
			if i == r.End {
				break
			}
			i = step(i)
		}
		f.mu.Unlock()
		for _, t := range out {
			if !yield(t, nil) {
				return
			}
		}
	}
}

func (f *Fake) SaveStrand(_ context.Context, s *twine.Strand, writable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.strands[s.CID]; ok {
		if string(existing.strand.Bytes) != string(s.Bytes) {
			return fmt.Errorf("%w: cid collision with different bytes", store.ErrCorrupted)
		}
		return nil
	}
	if err := s.Verify(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrVerification, err)
	}
	copied := *s
	f.strands[s.CID] = &strandRow{strand: &copied, writable: writable}
	return nil
}

func (f *Fake) SaveTixel(_ context.Context, t *twine.Tixel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.strands[t.StrandCID]
	if !ok {
		return store.ErrNotFound
	}
	if err := t.Verify(row.strand); err != nil {
		return fmt.Errorf("%w: %w", store.ErrVerification, err)
	}
	if _, ok := f.tixels[t.CID]; ok {
		return nil
	}
	if !row.writable {
		return nil
	}
	if t.Index > 0 {
		back, ok := t.BackStitch()
		if !ok {
			return nil
		}
		parentCID, ok := f.byIndex[t.StrandCID][t.Index-1]
		if !ok || parentCID != back.Tixel {
			return nil
		}
	}
	if idx, ok := f.byIndex[t.StrandCID]; ok {
		if _, taken := idx[t.Index]; taken {
			return nil
		}
	} else {
		f.byIndex[t.StrandCID] = make(map[uint64]cid.Cid)
	}
	copied := *t
	f.tixels[t.CID] = &copied
	f.byIndex[t.StrandCID][t.Index] = t.CID
	return nil
}

func (f *Fake) SaveTixels(ctx context.Context, ts []*twine.Tixel) error {
	for _, t := range ts {
		if err := f.SaveTixel(ctx, t); err != nil {
			return err
		}
	}
	return nil
}
