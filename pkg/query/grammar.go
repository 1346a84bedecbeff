// Package query implements the Query Evaluator (C3): it parses the query
// grammar (spec §4.2), resolves relative addressing against the Store, and
// produces a tagged Strand | Twine | List<Twine> result for the Response
// Shaper (pkg/shaper) to format.
package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
)

// Form is the grammar form a Query was parsed as.
type Form int

const (
	FormCID Form = iota
	FormStitch
	FormIndex
	FormRange
)

// Query is a parsed query string, dispatched on the count of ':' segments.
type Query struct {
	Form Form

	CID       cid.Cid // FormCID
	StrandCID cid.Cid // FormStitch, FormIndex, FormRange
	TixelCID  cid.Cid // FormStitch

	// Index is the signed index for FormIndex; negative is relative to
	// latest (-1 == latest).
	Index int64

	// RangeStart/RangeEnd are the signed endpoints for FormRange, in the
	// order given — direction is determined after resolving them to
	// absolute indices.
	RangeStart int64
	RangeEnd   int64
}

// Parse parses raw against the grammar:
//
//	<cid>                                — FormCID
//	<strand_cid>:<tixel_cid>             — FormStitch
//	<strand_cid>:<signed_index>          — FormIndex
//	<strand_cid>:latest                  — FormIndex, shorthand for -1
//	<strand_cid>:<signed_index>:<signed_index> — FormRange, inclusive
func Parse(raw string) (Query, error) {
	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 1:
		c, err := decodeCIDSegment(parts[0])
		if err != nil {
			return Query{}, err
		}
		return Query{Form: FormCID, CID: c}, nil

	case 2:
		strandCID, err := decodeCIDSegment(parts[0])
		if err != nil {
			return Query{}, err
		}
		if parts[1] == "latest" {
			return Query{Form: FormIndex, StrandCID: strandCID, Index: -1}, nil
		}
		if idx, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			return Query{Form: FormIndex, StrandCID: strandCID, Index: idx}, nil
		}
		tixelCID, err := decodeCIDSegment(parts[1])
		if err != nil {
			return Query{}, fmt.Errorf("%w: second segment is neither an index nor a cid: %w", ErrInvalidQuery, err)
		}
		return Query{Form: FormStitch, StrandCID: strandCID, TixelCID: tixelCID}, nil

	case 3:
		strandCID, err := decodeCIDSegment(parts[0])
		if err != nil {
			return Query{}, err
		}
		a, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return Query{}, fmt.Errorf("%w: bad range start", ErrInvalidQuery)
		}
		b, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return Query{}, fmt.Errorf("%w: bad range end", ErrInvalidQuery)
		}
		return Query{Form: FormRange, StrandCID: strandCID, RangeStart: a, RangeEnd: b}, nil

	default:
		return Query{}, fmt.Errorf("%w: too many ':'-separated segments", ErrInvalidQuery)
	}
}

// decodeCIDSegment decodes one ':'-separated segment as a CID, distinguishing
// an unrecognized multibase prefix from a recognized one wrapping malformed
// CID bytes — cid.Decode alone collapses both into the same opaque error.
func decodeCIDSegment(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err == nil {
		return c, nil
	}
	if _, _, mbErr := multibase.Decode(s); mbErr != nil {
		return cid.Undef, fmt.Errorf("%w: unrecognized multibase encoding: %w", ErrInvalidQuery, mbErr)
	}
	return cid.Undef, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
}

// IsSingleItem reports whether q addresses exactly one Strand or Twine, the
// only forms a HEAD existence probe is defined for (spec §4.2).
func (q Query) IsSingleItem() bool {
	return q.Form != FormRange
}
