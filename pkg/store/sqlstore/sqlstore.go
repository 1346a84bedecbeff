// Package sqlstore is the one production implementation of store.Store,
// backed by a single MySQL-compatible relational database (spec's
// Non-goal: no replication, no consensus, no distributed coordination).
package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	_ "github.com/go-sql-driver/mysql"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/node/basicnode"

	"github.com/twine-protocol/twine-spool-service/pkg/store"
	"github.com/twine-protocol/twine-spool-service/pkg/twine"
)

var log = logging.Logger("sqlstore")

// DB is the subset of *sql.DB this package depends on, to keep the store
// testable against a fake without pulling in a SQL mock driver.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements store.Store against a MySQL-compatible DB handle.
type Store struct {
	db DB
}

var _ store.Store = (*Store)(nil)

// New opens a connection pool against dsn (a go-sql-driver/mysql DSN) and
// wraps it as a Store. Callers are responsible for calling the returned
// close function (the pool's Close) if they need to shut it down; Store
// does not expose the pool to keep the interface narrow.
func New(dsn string) (*Store, func() error, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlstore: opening database: %w", err)
	}
	return &Store{db: db}, db.Close, nil
}

// NewWithDB wraps an already-open handle, for tests and for callers that
// manage the pool themselves.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

func cidBytes(c cid.Cid) []byte { return c.Bytes() }

func parseCID(b []byte) (cid.Cid, error) {
	_, c, err := cid.CidFromBytes(b)
	return c, err
}

func (s *Store) HasStrand(ctx context.Context, c cid.Cid) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM Strands WHERE cid = ?`, cidBytes(c)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlstore: has_strand: %w", err)
	}
	return true, nil
}

func (s *Store) HasTixel(ctx context.Context, c cid.Cid) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM Tixels WHERE cid = ?`, cidBytes(c)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlstore: has_tixel: %w", err)
	}
	return true, nil
}

func (s *Store) HasIndex(ctx context.Context, strandCID cid.Cid, index uint64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM Tixels t JOIN Strands s ON t.strand = s.id
		WHERE s.cid = ? AND t.idx = ?`, cidBytes(strandCID), index).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlstore: has_index: %w", err)
	}
	return true, nil
}

func (s *Store) getStrandBytes(ctx context.Context, c cid.Cid) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM Strands WHERE cid = ?`, cidBytes(c)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get_strand: %w", err)
	}
	return data, nil
}

func (s *Store) GetStrand(ctx context.Context, c cid.Cid) (*twine.Strand, error) {
	data, err := s.getStrandBytes(ctx, c)
	if err != nil {
		return nil, err
	}
	strand, err := twine.DecodeStrand(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrCorrupted, err)
	}
	strand.CID = c
	return strand, nil
}

func (s *Store) GetTixel(ctx context.Context, c cid.Cid) (*twine.Tixel, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM Tixels WHERE cid = ?`, cidBytes(c)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get_tixel: %w", err)
	}
	tixel, err := twine.DecodeTixel(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrCorrupted, err)
	}
	tixel.CID = c
	return tixel, nil
}

func (s *Store) GetTixelByIndex(ctx context.Context, strandCID cid.Cid, index uint64) (*twine.Tixel, error) {
	var cidBuf, data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT t.cid, t.data FROM Tixels t JOIN Strands s ON t.strand = s.id
		WHERE s.cid = ? AND t.idx = ?`, cidBytes(strandCID), index).Scan(&cidBuf, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get_tixel_by_index: %w", err)
	}
	c, err := parseCID(cidBuf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrCorrupted, err)
	}
	tixel, err := twine.DecodeTixel(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrCorrupted, err)
	}
	tixel.CID = c
	return tixel, nil
}

func (s *Store) LatestTixel(ctx context.Context, strandCID cid.Cid) (*twine.Tixel, error) {
	var cidBuf, data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT t.cid, t.data FROM Tixels t JOIN Strands s ON t.strand = s.id
		WHERE s.cid = ? ORDER BY t.idx DESC LIMIT 1`, cidBytes(strandCID)).Scan(&cidBuf, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: latest_tixel: %w", err)
	}
	c, err := parseCID(cidBuf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrCorrupted, err)
	}
	tixel, err := twine.DecodeTixel(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrCorrupted, err)
	}
	tixel.CID = c
	return tixel, nil
}

// ListStrands yields every Strand, paginated internally by primary key in
// store.PageSize chunks.
func (s *Store) ListStrands(ctx context.Context) iter.Seq2[*twine.Strand, error] {
	return func(yield func(*twine.Strand, error) bool) {
		var lastID uint64
		for {
			rows, err := s.db.QueryContext(ctx, `
				SELECT id, cid, data FROM Strands WHERE id > ? ORDER BY id LIMIT ?`,
				lastID, store.PageSize)
			if err != nil {
				yield(nil, fmt.Errorf("sqlstore: list_strands: %w", err))
				return
			}
			count := 0
			for rows.Next() {
				var id uint64
				var cidBuf, data []byte
				if err := rows.Scan(&id, &cidBuf, &data); err != nil {
					rows.Close()
					yield(nil, fmt.Errorf("sqlstore: list_strands: %w", err))
					return
				}
				lastID = id
				count++
				c, err := parseCID(cidBuf)
				if err != nil {
					if !yield(nil, fmt.Errorf("%w: %w", store.ErrCorrupted, err)) {
						rows.Close()
						return
					}
					continue
				}
				strand, err := twine.DecodeStrand(data)
				if err != nil {
					if !yield(nil, fmt.Errorf("%w: %w", store.ErrCorrupted, err)) {
						rows.Close()
						return
					}
					continue
				}
				strand.CID = c
				if !yield(strand, nil) {
					rows.Close()
					return
				}
			}
			closeErr := rows.Err()
			rows.Close()
			if closeErr != nil {
				yield(nil, fmt.Errorf("sqlstore: list_strands: %w", closeErr))
				return
			}
			if count < store.PageSize {
				return
			}
		}
	}
}

// RangeStream yields Tixels across r in internal batches of store.BatchSize.
func (s *Store) RangeStream(ctx context.Context, r store.AbsoluteRange) iter.Seq2[*twine.Tixel, error] {
	return func(yield func(*twine.Tixel, error) bool) {
		for _, batch := range chunkRange(r, store.BatchSize) {
			order := "ASC"
			lo, hi := batch.Start, batch.End
			if batch.Direction == store.Descending {
				order = "DESC"
				lo, hi = batch.End, batch.Start
			}
			rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
				SELECT t.cid, t.data FROM Tixels t JOIN Strands st ON t.strand = st.id
				WHERE st.cid = ? AND t.idx BETWEEN ? AND ?
				ORDER BY t.idx %s`, order), cidBytes(batch.StrandCID), lo, hi)
			if err != nil {
				yield(nil, fmt.Errorf("sqlstore: range_stream: %w", err))
				return
			}
			for rows.Next() {
				var cidBuf, data []byte
				if err := rows.Scan(&cidBuf, &data); err != nil {
					rows.Close()
					yield(nil, fmt.Errorf("sqlstore: range_stream: %w", err))
					return
				}
				c, err := parseCID(cidBuf)
				if err == nil {
					var tixel *twine.Tixel
					tixel, err = twine.DecodeTixel(data)
					if err == nil {
						tixel.CID = c
						if !yield(tixel, nil) {
							rows.Close()
							return
						}
						continue
					}
				}
				if !yield(nil, fmt.Errorf("%w: %w", store.ErrCorrupted, err)) {
					rows.Close()
					return
				}
			}
			closeErr := rows.Err()
			rows.Close()
			if closeErr != nil {
				yield(nil, fmt.Errorf("sqlstore: range_stream: %w", closeErr))
				return
			}
		}
	}
}

// chunkRange splits r into consecutive sub-ranges of at most size entries,
// preserving direction. Pure and DB-free so it is covered without a live
// database.
func chunkRange(r store.AbsoluteRange, size uint64) []store.AbsoluteRange {
	if size == 0 {
		size = 1
	}
	var out []store.AbsoluteRange
	if r.Direction == store.Ascending {
		for lo := r.Start; ; {
			hi := lo + size - 1
			if hi >= r.End {
				out = append(out, store.AbsoluteRange{StrandCID: r.StrandCID, Start: lo, End: r.End, Direction: store.Ascending})
				break
			}
			out = append(out, store.AbsoluteRange{StrandCID: r.StrandCID, Start: lo, End: hi, Direction: store.Ascending})
			lo = hi + 1
		}
		return out
	}
	for hi := r.Start; ; {
		var lo uint64
		if hi >= r.End+size-1 {
			lo = hi - size + 1
		} else {
			lo = r.End
		}
		out = append(out, store.AbsoluteRange{StrandCID: r.StrandCID, Start: hi, End: lo, Direction: store.Descending})
		if lo <= r.End {
			break
		}
		hi = lo - 1
	}
	return out
}

func encodeDetails(n datamodel.Node) ([]byte, error) {
	if n == nil {
		n = basicnode.NewBool(false)
	}
	var buf bytes.Buffer
	if err := dagjson.Encode(n, &buf); err != nil {
		return nil, fmt.Errorf("sqlstore: encoding details: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveStrand implements the idempotent append protocol of spec §4.1: a
// matching stored CID short-circuits to success; otherwise the block is
// verified and inserted, with a CID conflict silently absorbed.
//
// writable is only consulted on first insert — it is the one place the
// writable gate is set. Callers passing true are the Registration Engine
// when it admits a strand, the authenticated PUT / ingest, and the pulse
// command (see DESIGN.md, "Open Questions resolved").
func (s *Store) SaveStrand(ctx context.Context, strand *twine.Strand, writable bool) error {
	existing, err := s.getStrandBytes(ctx, strand.CID)
	if err == nil {
		if bytes.Equal(existing, strand.Bytes) {
			return nil
		}
		return fmt.Errorf("%w: cid collision with different bytes", store.ErrCorrupted)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := strand.Verify(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrVerification, err)
	}
	detailsJSON, err := encodeDetails(strand.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT IGNORE INTO Strands (cid, data, spec, details, writable) VALUES (?, ?, ?, ?, ?)`,
		cidBytes(strand.CID), strand.Bytes, strand.Specification, detailsJSON, writable)
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrSaving, err)
	}
	return nil
}

// SaveTixel is the heart of the engine (spec §4.1): a single conditional
// INSERT that requires the target strand to be writable and, for index >
// 0, that a Tixel already exists at index-1 with CID equal to t's
// back-stitch. A miss on either predicate is a silent no-op, not an error
// — callers check HasTixel if they need to know whether the append took.
func (s *Store) SaveTixel(ctx context.Context, t *twine.Tixel) error {
	strand, err := s.GetStrand(ctx, t.StrandCID)
	if err != nil {
		return err
	}
	if err := t.Verify(strand); err != nil {
		return fmt.Errorf("%w: %w", store.ErrVerification, err)
	}

	var res sql.Result
	if t.Index == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT IGNORE INTO Tixels (cid, data, strand, idx)
			SELECT ?, ?, s.id, 0
			FROM Strands s
			WHERE s.cid = ? AND s.writable = 1`,
			cidBytes(t.CID), t.Bytes, cidBytes(t.StrandCID))
	} else {
		back, ok := t.BackStitch()
		if !ok {
			return fmt.Errorf("%w: tixel at index %d has no back-stitch", store.ErrVerification, t.Index)
		}
		res, err = s.db.ExecContext(ctx, `
			INSERT IGNORE INTO Tixels (cid, data, strand, idx)
			SELECT ?, ?, s.id, ?
			FROM Strands s
			JOIN Tixels parent ON parent.strand = s.id AND parent.idx = ?
			WHERE s.cid = ? AND s.writable = 1 AND parent.cid = ?`,
			cidBytes(t.CID), t.Bytes, t.Index,
			t.Index-1, cidBytes(t.StrandCID), cidBytes(back.Tixel))
	}
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrSaving, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Debugw("tixel append rejected or duplicate", "cid", t.CID, "strand", t.StrandCID, "index", t.Index)
	}
	return nil
}

// SaveTixels applies ts in the given order, sequentially, stopping only on
// a genuine backend error (spec §4.1: appends must be applied in ascending
// index order; callers sort before handing off).
func (s *Store) SaveTixels(ctx context.Context, ts []*twine.Tixel) error {
	for _, t := range ts {
		if err := s.SaveTixel(ctx, t); err != nil {
			return err
		}
	}
	return nil
}
