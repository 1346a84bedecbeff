// Package config wires a ServiceConfig into a running Deps: the MySQL
// connection, optional Redis read-through cache, and the Store, Evaluator,
// Ingest Pipeline, Registration Engine and Access Control it drives. This
// mirrors how the indexing service's own construct package turns a flat
// config struct into its wired components (pkg/construct/construct.go).
package config

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/go-sql-driver/mysql"
	goredis "github.com/redis/go-redis/v9"

	"github.com/twine-protocol/twine-spool-service/pkg/access"
	"github.com/twine-protocol/twine-spool-service/pkg/ingest"
	"github.com/twine-protocol/twine-spool-service/pkg/query"
	"github.com/twine-protocol/twine-spool-service/pkg/registration"
	"github.com/twine-protocol/twine-spool-service/pkg/server"
	"github.com/twine-protocol/twine-spool-service/pkg/store/sqlstore"
)

// ServiceConfig sets specific config values for the spool service.
type ServiceConfig struct {
	// Addr is the address the HTTP server binds to, e.g. ":8080".
	Addr string

	// DSN is the MySQL data source name (spec §6, "a relational store").
	DSN string

	// MaxBatchSize bounds how many Tixels a single Range query may cover; a
	// larger range is rejected as a bad request (spec §4.2). Zero means 1000.
	MaxBatchSize uint64

	// AcceptAllStrands mirrors the ACCEPT_ALL_STRANDS deployment flag: when
	// set, every submitted registration auto-approves (spec §4.4).
	AcceptAllStrands bool

	// RedisAddr, if set, enables the CachingEvaluator read-through layer
	// (pkg/redis) in front of the Query Evaluator.
	RedisAddr     string
	RedisPassword string

	// LegacyProxyURL, if set, forwards ANY /v1/... request there unmodified
	// (spec §6's "legacy API surface").
	LegacyProxyURL string

	// EnableTelemetry wraps every route in an OpenTelemetry span.
	EnableTelemetry bool
}

// Deps is the fully wired set of collaborators, ready to build a server.
type Deps struct {
	DB           *sql.DB
	Store        *sqlstore.Store
	Evaluator    server.Evaluator
	Ingest       *ingest.Pipeline
	Registration *registration.Engine
	Access       *access.Control
}

// Construct opens the database (and, if configured, Redis) and wires every
// component per sc. Callers are responsible for closing the returned DB.
func Construct(ctx context.Context, sc ServiceConfig) (Deps, error) {
	db, err := sql.Open("mysql", sc.DSN)
	if err != nil {
		return Deps{}, fmt.Errorf("config: opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return Deps{}, fmt.Errorf("config: connecting to database: %w", err)
	}

	st := sqlstore.NewWithDB(db)
	ingestPipeline := ingest.New(st)
	reg := registration.New(db, st, sc.AcceptAllStrands)
	acc := access.New(db)

	maxBatch := sc.MaxBatchSize
	if maxBatch == 0 {
		maxBatch = 1000
	}
	evaluator := query.New(st, maxBatch)

	var eval server.Evaluator = evaluator
	if sc.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: sc.RedisAddr, Password: sc.RedisPassword})
		eval = query.NewCaching(evaluator, client)
	}

	return Deps{
		DB:           db,
		Store:        st,
		Evaluator:    eval,
		Ingest:       ingestPipeline,
		Registration: reg,
		Access:       acc,
	}, nil
}

// ServerOptions builds the pkg/server.Option slice implied by sc.
func ServerOptions(sc ServiceConfig) ([]server.Option, error) {
	var opts []server.Option
	if sc.EnableTelemetry {
		opts = append(opts, server.WithTelemetry())
	}
	if sc.LegacyProxyURL != "" {
		u, err := url.Parse(sc.LegacyProxyURL)
		if err != nil {
			return nil, fmt.Errorf("config: parsing legacy proxy url: %w", err)
		}
		opts = append(opts, server.WithLegacyProxy(u))
	}
	return opts, nil
}
