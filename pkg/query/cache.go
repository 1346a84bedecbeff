package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"

	"github.com/twine-protocol/twine-spool-service/pkg/redis"
	"github.com/twine-protocol/twine-spool-service/pkg/telemetry"
)

var log = telemetry.NewSentryLogger("query")

// cacheEntry is the minimal, cheaply-serialized fact a cache hit needs:
// which CIDs to re-fetch from the Store. The Store's own per-CID lookups
// are already O(1); what the cache saves is re-running index resolution
// (spec: CID form tries Strand then Tixel; Index form resolves an
// absolute address first).
type cacheEntry struct {
	kind      ResultKind
	strandCID cid.Cid
	tixelCID  cid.Cid
}

func cacheEntryToRedis(e cacheEntry) (string, error) {
	strand := ""
	if e.strandCID.Defined() {
		strand = e.strandCID.String()
	}
	tixel := ""
	if e.tixelCID.Defined() {
		tixel = e.tixelCID.String()
	}
	return fmt.Sprintf("%d|%s|%s", e.kind, strand, tixel), nil
}

func cacheEntryFromRedis(s string) (cacheEntry, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return cacheEntry{}, fmt.Errorf("query: malformed cache entry %q", s)
	}
	var kind int
	if _, err := fmt.Sscanf(parts[0], "%d", &kind); err != nil {
		return cacheEntry{}, fmt.Errorf("query: malformed cache entry %q: %w", s, err)
	}
	entry := cacheEntry{kind: ResultKind(kind)}
	if parts[1] != "" {
		c, err := cid.Decode(parts[1])
		if err != nil {
			return cacheEntry{}, err
		}
		entry.strandCID = c
	}
	if parts[2] != "" {
		c, err := cid.Decode(parts[2])
		if err != nil {
			return cacheEntry{}, err
		}
		entry.tixelCID = c
	}
	return entry, nil
}

func cacheKey(q Query) string {
	switch q.Form {
	case FormCID:
		return "c:" + q.CID.String()
	case FormStitch:
		return "s:" + q.StrandCID.String() + ":" + q.TixelCID.String()
	case FormIndex:
		return fmt.Sprintf("i:%s:%d", q.StrandCID.String(), q.Index)
	default:
		return ""
	}
}

// cacheable reports whether q addresses an immutable result: CID and
// Stitch lookups always are (blocks never change once stored); Index
// lookups are only when the index is already absolute — a negative
// (relative-to-latest) index must always re-resolve (spec §9).
func cacheable(q Query) bool {
	switch q.Form {
	case FormCID, FormStitch:
		return true
	case FormIndex:
		return q.Index >= 0
	default:
		return false
	}
}

func entryFromResult(res Result) (cacheEntry, bool) {
	switch res.Kind {
	case ResultStrand:
		return cacheEntry{kind: ResultStrand, strandCID: res.Strand.CID}, true
	case ResultTwine:
		return cacheEntry{kind: ResultTwine, strandCID: res.Twine.Strand.CID, tixelCID: res.Twine.Tixel.CID}, true
	default:
		return cacheEntry{}, false
	}
}

// CachingEvaluator wraps an Evaluator with a redis-backed read-through
// cache for immutable queries, mirroring the WithCache decorator pattern
// used elsewhere in this codebase's lineage: try the cache, fall back to
// the wrapped resolver on miss or cache error, and populate on success.
type CachingEvaluator struct {
	*Evaluator
	cache *redis.Store[string, cacheEntry]
}

// NewCaching wraps ev with a cache backed by client.
func NewCaching(ev *Evaluator, client redis.Client) *CachingEvaluator {
	return &CachingEvaluator{
		Evaluator: ev,
		cache:     redis.NewStore(cacheEntryFromRedis, cacheEntryToRedis, func(k string) string { return "query:" + k }, client),
	}
}

func (c *CachingEvaluator) Evaluate(ctx context.Context, q Query) (Result, error) {
	if !cacheable(q) {
		return c.Evaluator.Evaluate(ctx, q)
	}
	key := cacheKey(q)
	if entry, err := c.cache.Get(ctx, key); err == nil {
		res, err := c.hydrate(ctx, entry)
		if err == nil {
			return res, nil
		}
		log.Warnw("cached query entry failed to hydrate, re-resolving", "query", key, "error", err)
	} else if !errors.Is(err, redis.ErrKeyNotFound) {
		log.Warnw("query cache unavailable, bypassing", "error", err)
	}

	res, err := c.Evaluator.Evaluate(ctx, q)
	if err != nil {
		return Result{}, err
	}
	if entry, ok := entryFromResult(res); ok {
		if err := c.cache.Set(ctx, key, entry, false); err != nil {
			log.Warnw("failed to populate query cache", "error", err)
		}
	}
	return res, nil
}

func (c *CachingEvaluator) hydrate(ctx context.Context, entry cacheEntry) (Result, error) {
	switch entry.kind {
	case ResultStrand:
		strand, err := c.Evaluator.store.GetStrand(ctx, entry.strandCID)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: ResultStrand, Strand: strand}, nil
	case ResultTwine:
		strand, tixel, err := c.Evaluator.resolveStrandAndTixel(ctx, entry.strandCID, entry.tixelCID)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: ResultTwine, Twine: &Twine{Strand: strand, Tixel: tixel}}, nil
	default:
		return Result{}, fmt.Errorf("query: unhydratable cache entry kind %d", entry.kind)
	}
}
