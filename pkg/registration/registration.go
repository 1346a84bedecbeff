// Package registration implements the Registration Engine (C5): the gate
// by which a new Strand author is admitted to append data. Submissions are
// Pending until an operator (or the ACCEPT_ALL_STRANDS bypass) approves or
// rejects them; approval saves the submitted Strand as a writable row.
package registration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"

	"github.com/twine-protocol/twine-spool-service/pkg/store"
	"github.com/twine-protocol/twine-spool-service/pkg/twine"
)

// Status is a registration record's lifecycle state.
type Status int

const (
	Pending Status = iota
	Approved
	Rejected
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ErrConflict means the strand being submitted is already stored.
var ErrConflict = errors.New("registration: strand already registered")

// Record is one registration, keyed by a UUIDv4 receipt.
type Record struct {
	UUID      uuid.UUID
	Email     string
	StrandCID cid.Cid
	Strand    []byte // raw bytes, so Approval can rebuild the Strand without a second round trip
	Status    Status
}

// DB is the subset of *sql.DB this package depends on.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Engine drives the registration gate, backed by a relational table and
// coupled to the Store so that Approval can write the Strand directly.
type Engine struct {
	db               DB
	store            store.Store
	acceptAllStrands bool
}

// New builds an Engine. acceptAllStrands mirrors the ACCEPT_ALL_STRANDS
// deployment flag (spec §6): when set, Submit auto-approves and stores the
// strand in the same logical step.
func New(db DB, s store.Store, acceptAllStrands bool) *Engine {
	return &Engine{db: db, store: s, acceptAllStrands: acceptAllStrands}
}

// Submit persists a new registration request for strand, returning its
// receipt UUID and the status it was recorded under. If the strand is
// already in the Store, it fails ErrConflict. If a prior Approved record
// already exists for this strand_cid, the submission is auto-admitted
// under that record's UUID (spec §4.4's check_preapproved, used to admit
// re-submissions) rather than starting a second review from scratch; this
// also covers the case where an earlier approval's SaveStrand never
// completed, by retrying it here. Otherwise, under the ACCEPT_ALL_STRANDS
// bypass, the record is created Approved and the strand is saved as
// writable in the same call; a Store failure there leaves the record
// Approved but the strand unsaved — the caller can retry the save without
// resubmitting.
func (e *Engine) Submit(ctx context.Context, email string, strand *twine.Strand) (uuid.UUID, Status, error) {
	has, err := e.store.HasStrand(ctx, strand.CID)
	if err != nil {
		return uuid.Nil, Pending, fmt.Errorf("registration: checking existing strand: %w", err)
	}
	if has {
		return uuid.Nil, Pending, ErrConflict
	}

	preapproved, err := e.CheckPreapproved(ctx, strand.CID)
	if err != nil {
		return uuid.Nil, Pending, err
	}
	if preapproved != nil {
		if err := e.store.SaveStrand(ctx, strand, true); err != nil {
			return preapproved.UUID, Approved, fmt.Errorf("registration: re-admitting preapproved strand: %w", err)
		}
		return preapproved.UUID, Approved, nil
	}

	id := uuid.New()
	status := Pending
	if e.acceptAllStrands {
		status = Approved
	}

	_, err = e.db.ExecContext(ctx, `
		INSERT INTO registrations (uuid, email, status, strand_cid, strand) VALUES (?, ?, ?, ?, ?)`,
		id.String(), email, status.String(), strand.CID.Bytes(), strand.Bytes)
	if err != nil {
		return uuid.Nil, Pending, fmt.Errorf("registration: inserting record: %w", err)
	}

	if e.acceptAllStrands {
		if err := e.store.SaveStrand(ctx, strand, true); err != nil {
			return id, status, fmt.Errorf("registration: auto-approved but saving strand: %w", err)
		}
	}
	return id, status, nil
}

// CheckPreapproved finds a prior Approved record for strandCID, used to
// auto-admit re-submissions of a strand that has already cleared review.
func (e *Engine) CheckPreapproved(ctx context.Context, strandCID cid.Cid) (*Record, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT uuid, email, status, strand_cid, strand FROM registrations
		WHERE strand_cid = ? AND status = ? LIMIT 1`, strandCID.Bytes(), Approved.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registration: checking preapproval: %w", err)
	}
	return rec, nil
}

// Fetch looks up a registration by its receipt UUID.
func (e *Engine) Fetch(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT uuid, email, status, strand_cid, strand FROM registrations WHERE uuid = ?`, id.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registration: fetching record: %w", err)
	}
	return rec, nil
}

// SetStatus transitions id to status. This is an out-of-band operator
// action (spec §4.4); it is not exposed in the public HTTP API. Approving a
// record also saves its strand as writable, mirroring the bypass path.
func (e *Engine) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	rec, err := e.Fetch(ctx, id)
	if err != nil {
		return err
	}
	if _, err := e.db.ExecContext(ctx, `UPDATE registrations SET status = ? WHERE uuid = ?`, status.String(), id.String()); err != nil {
		return fmt.Errorf("registration: updating status: %w", err)
	}
	if status == Approved {
		strand, err := twine.DecodeStrand(rec.Strand)
		if err != nil {
			return fmt.Errorf("registration: decoding stored strand: %w", err)
		}
		strand.CID = rec.StrandCID
		if err := e.store.SaveStrand(ctx, strand, true); err != nil {
			return fmt.Errorf("registration: saving approved strand: %w", err)
		}
	}
	return nil
}

func scanRecord(row *sql.Row) (*Record, error) {
	var idStr, email, statusStr string
	var cidBuf, strandBytes []byte
	if err := row.Scan(&idStr, &email, &statusStr, &cidBuf, &strandBytes); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("registration: malformed uuid %q: %w", idStr, err)
	}
	_, strandCID, err := cid.CidFromBytes(cidBuf)
	if err != nil {
		return nil, fmt.Errorf("registration: malformed strand cid: %w", err)
	}
	var status Status
	switch statusStr {
	case "pending":
		status = Pending
	case "approved":
		status = Approved
	case "rejected":
		status = Rejected
	default:
		return nil, fmt.Errorf("registration: unknown status %q", statusStr)
	}
	return &Record{UUID: id, Email: email, StrandCID: strandCID, Strand: strandBytes, Status: status}, nil
}
