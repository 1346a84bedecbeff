// Command spoold runs the spool service HTTP server, and doubles as an
// operator CLI for one-off maintenance actions (spec §6), mirroring the
// indexing service's own cmd/main.go: an urfave/cli app whose "server
// start" action wires a ServiceConfig into the running service.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/urfave/cli/v2"

	"github.com/twine-protocol/twine-spool-service/pkg/config"
	"github.com/twine-protocol/twine-spool-service/pkg/server"
	"github.com/twine-protocol/twine-spool-service/pkg/store"
	"github.com/twine-protocol/twine-spool-service/pkg/telemetry"
	"github.com/twine-protocol/twine-spool-service/pkg/twine"
)

var log = telemetry.NewSentryLogger("cmd")

// pulseGenesis is the fixed genesis timestamp for the time/1.0.0 heartbeat
// strand (grounded on the original randomness beacon's fixed 2024-12-20
// start date; our payload is a plain Unix timestamp rather than the
// original's XOR randomness-beacon scheme, see DESIGN.md).
var pulseGenesis = time.Date(2024, time.December, 20, 0, 0, 0, 0, time.UTC)

func main() {
	logging.SetLogLevel("*", "info")

	app := &cli.App{
		Name:  "spoold",
		Usage: "Run and manage the spool service.",
		Commands: []*cli.Command{
			serveCmd,
			pulseCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "start the spool service HTTP server",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "address to bind the server to"},
		&cli.StringFlag{Name: "dsn", EnvVars: []string{"MYSQL_DSN"}, Required: true, Usage: "MySQL data source name"},
		&cli.Uint64Flag{Name: "max-batch-size", EnvVars: []string{"MAX_BATCH_SIZE"}, Value: 1000, Usage: "max tixels resolved by one range query"},
		&cli.BoolFlag{Name: "accept-all-strands", EnvVars: []string{"ACCEPT_ALL_STRANDS"}, Usage: "auto-approve every strand registration"},
		&cli.StringFlag{Name: "redis-addr", EnvVars: []string{"REDIS_ADDR"}, Usage: "address of a redis instance backing the query cache"},
		&cli.StringFlag{Name: "redis-password", EnvVars: []string{"REDIS_PASSWORD"}},
		&cli.StringFlag{Name: "legacy-proxy-url", EnvVars: []string{"LEGACY_PROXY_URL"}, Usage: "forward /v1/* to a legacy service"},
		&cli.BoolFlag{Name: "telemetry", EnvVars: []string{"ENABLE_TELEMETRY"}},
	},
	Action: func(cCtx *cli.Context) error {
		ctx := cCtx.Context
		sc := config.ServiceConfig{
			Addr:             cCtx.String("addr"),
			DSN:              cCtx.String("dsn"),
			MaxBatchSize:     cCtx.Uint64("max-batch-size"),
			AcceptAllStrands: cCtx.Bool("accept-all-strands"),
			RedisAddr:        cCtx.String("redis-addr"),
			RedisPassword:    cCtx.String("redis-password"),
			LegacyProxyURL:   cCtx.String("legacy-proxy-url"),
			EnableTelemetry:  cCtx.Bool("telemetry"),
		}

		if sc.EnableTelemetry {
			shutdown, err := telemetry.SetupTelemetry(ctx)
			if err != nil {
				return fmt.Errorf("setting up telemetry: %w", err)
			}
			defer shutdown(ctx)
		}

		deps, err := config.Construct(ctx, sc)
		if err != nil {
			return err
		}
		defer deps.DB.Close()

		opts, err := config.ServerOptions(sc)
		if err != nil {
			return err
		}

		return server.ListenAndServe(sc.Addr, server.Deps{
			Store:        deps.Store,
			Evaluator:    deps.Evaluator,
			Ingest:       deps.Ingest,
			Registration: deps.Registration,
			Access:       deps.Access,
		}, opts...)
	},
}

var pulseCmd = &cli.Command{
	Name:  "pulse",
	Usage: "append a time/1.0.0 heartbeat tixel, creating its strand on first run",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "dsn", EnvVars: []string{"MYSQL_DSN"}, Required: true},
		&cli.StringFlag{Name: "secret-key", EnvVars: []string{"SECRET_KEY_STR"}, Required: true, Usage: "base64url-encoded ed25519 private key"},
	},
	Action: func(cCtx *cli.Context) error {
		ctx := cCtx.Context

		// pulse is typically invoked one-shot from a scheduler, so it gets
		// the lightweight client tracer rather than the full server setup:
		// a span is exported if OTEL_EXPORTER_OTLP_ENDPOINT is set, and
		// this no-ops cleanly when it isn't.
		shutdown, err := telemetry.SetupClientTelemetry(ctx)
		if err != nil {
			return fmt.Errorf("pulse: setting up telemetry: %w", err)
		}
		defer shutdown(ctx)
		ctx, span := telemetry.StartSpan(ctx, "pulse")
		defer span.End()

		raw, err := base64.RawURLEncoding.DecodeString(cCtx.String("secret-key"))
		if err != nil {
			return fmt.Errorf("pulse: decoding SECRET_KEY_STR: %w", err)
		}
		if len(raw) != ed25519.PrivateKeySize {
			return fmt.Errorf("pulse: SECRET_KEY_STR is %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
		}
		priv := ed25519.PrivateKey(raw)

		deps, err := config.Construct(ctx, config.ServiceConfig{DSN: cCtx.String("dsn")})
		if err != nil {
			return err
		}
		defer deps.DB.Close()

		if err := pulse(ctx, deps.Store, priv); err != nil {
			telemetry.Error(span, err, "pulse failed")
			return err
		}
		return nil
	},
}

const pulseSpec = "time/1.0.0"

// pulse finds the pulse strand (building it on first run) and appends a
// single new tixel carrying the current Unix timestamp, idempotent per
// call in the sense that a re-run after a failed save just retries the
// same next index.
func pulse(ctx context.Context, st store.Store, priv ed25519.PrivateKey) error {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("pulse: key has no ed25519 public half")
	}

	strand, err := findOrCreatePulseStrand(ctx, st, priv)
	if err != nil {
		return err
	}

	payload, err := qp.BuildMap(basicnode.Prototype.Any, 1, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "timestamp", qp.Int(time.Now().Unix()))
	})
	if err != nil {
		return fmt.Errorf("pulse: building payload: %w", err)
	}

	latest, err := st.LatestTixel(ctx, strand.CID)
	var tixel *twine.Tixel
	switch {
	case errors.Is(err, store.ErrNotFound):
		tixel, err = twine.NewTixel(strand, 0, nil, nil, payload, priv)
	case err != nil:
		return fmt.Errorf("pulse: finding latest tixel: %w", err)
	default:
		back := &twine.Stitch{Strand: strand.CID, Tixel: latest.CID}
		tixel, err = twine.NewTixel(strand, latest.Index+1, back, nil, payload, priv)
	}
	if err != nil {
		return fmt.Errorf("pulse: building tixel: %w", err)
	}

	if err := st.SaveTixel(ctx, tixel); err != nil {
		return fmt.Errorf("pulse: saving tixel: %w", err)
	}
	log.Infow("pulse", "strand", strand.CID, "index", tixel.Index, "pubkey", pub)
	return nil
}

func findOrCreatePulseStrand(ctx context.Context, st store.Store, priv ed25519.PrivateKey) (*twine.Strand, error) {
	candidate, err := twine.NewStrand(pulseSpec, nil, pulseGenesisBytes(), priv)
	if err != nil {
		return nil, fmt.Errorf("pulse: building strand: %w", err)
	}
	has, err := st.HasStrand(ctx, candidate.CID)
	if err != nil {
		return nil, fmt.Errorf("pulse: checking strand: %w", err)
	}
	if has {
		return st.GetStrand(ctx, candidate.CID)
	}
	if err := st.SaveStrand(ctx, candidate, true); err != nil {
		return nil, fmt.Errorf("pulse: saving strand: %w", err)
	}
	return candidate, nil
}

func pulseGenesisBytes() []byte {
	return []byte(pulseGenesis.UTC().Format(time.RFC3339))
}
