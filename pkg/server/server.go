// Package server implements the HTTP surface (§6): route dispatch, request
// parsing, auth enforcement and error-to-status translation around the
// Store, Query Evaluator, Ingest Pipeline, Registration Engine, Access
// Control and Response Shaper. It is the one place a domain error becomes a
// status code (spec §7).
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/twine-protocol/twine-spool-service/pkg/access"
	"github.com/twine-protocol/twine-spool-service/pkg/build"
	"github.com/twine-protocol/twine-spool-service/pkg/carutil"
	"github.com/twine-protocol/twine-spool-service/pkg/ingest"
	"github.com/twine-protocol/twine-spool-service/pkg/query"
	"github.com/twine-protocol/twine-spool-service/pkg/registration"
	"github.com/twine-protocol/twine-spool-service/pkg/shaper"
	"github.com/twine-protocol/twine-spool-service/pkg/store"
	"github.com/twine-protocol/twine-spool-service/pkg/telemetry"
	"github.com/twine-protocol/twine-spool-service/pkg/twine"
)

// log reports error and fatal lines to Sentry in addition to the usual
// structured output, whenever telemetry.SetupTelemetry has initialized it
// (see pkg/telemetry/sentry.go); with no DSN configured this is a no-op.
var log = telemetry.NewSentryLogger("server")

// versionHeaderValue is sent on every response (spec §6).
const versionHeaderValue = "2"

//go:embed static/register.html
var registerFormHTML []byte

// Evaluator is the subset of the Query Evaluator the server depends on.
// Both *query.Evaluator and *query.CachingEvaluator satisfy it.
type Evaluator interface {
	Evaluate(ctx context.Context, q query.Query) (query.Result, error)
	Exists(ctx context.Context, q query.Query) (bool, error)
}

// Deps are the server's required collaborators, one per component in §2.
type Deps struct {
	Store        store.Store
	Evaluator    Evaluator
	Ingest       *ingest.Pipeline
	Registration *registration.Engine
	Access       *access.Control
}

type config struct {
	enableTelemetry bool
	legacyProxy     *url.URL
}

// Option configures optional server behavior.
type Option func(*config) error

// WithTelemetry wraps every route in an OpenTelemetry span.
func WithTelemetry() Option {
	return func(c *config) error {
		c.enableTelemetry = true
		return nil
	}
}

// WithLegacyProxy points ANY /v1/... at an external legacy endpoint (spec
// §6); the proxy is opaque — request and response pass through unmodified
// beyond what httputil.ReverseProxy itself rewrites.
func WithLegacyProxy(target *url.URL) Option {
	return func(c *config) error {
		c.legacyProxy = target
		return nil
	}
}

// NewServer builds the complete HTTP surface over deps.
func NewServer(deps Deps, opts ...Option) (*http.ServeMux, error) {
	c := &config{}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	s := &handlers{deps: deps}
	mux := http.NewServeMux()

	add := func(pattern string, h http.HandlerFunc) {
		maybeInstrumentAndAdd(mux, pattern, withVersionHeader(h), c.enableTelemetry)
	}

	add("GET /", s.listStrands)
	add("GET /version", s.version)
	add("PUT /", s.requireAPIKey(s.ingestStrands))
	add("PUT /{strand_cid}", s.requireAPIKey(s.ingestTixels))
	add("GET /{query}", s.execQuery)
	add("HEAD /{query}", s.headQuery)
	add("GET /register", s.registerForm)
	add("POST /register", s.submitRegistration)
	add("GET /register/{uuid}", s.fetchRegistration)
	add("GET /admin/apikeys", s.requireAPIKey(s.listAPIKeys))
	add("POST /admin/apikeys", s.requireAPIKey(s.createAPIKey))
	add("GET /admin/apikeys/{id}", s.requireAPIKey(s.getAPIKey))
	add("DELETE /admin/apikeys/{id}", s.requireAPIKey(s.deleteAPIKey))

	if c.legacyProxy != nil {
		proxy := httputil.NewSingleHostReverseProxy(c.legacyProxy)
		mux.Handle("/v1/", withVersionHeader(proxy.ServeHTTP))
	}

	return mux, nil
}

// ListenAndServe builds the server over deps and starts it on addr.
func ListenAndServe(addr string, deps Deps, opts ...Option) error {
	mux, err := NewServer(deps, opts...)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	log.Infof("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func maybeInstrumentAndAdd(mux *http.ServeMux, route string, handler http.HandlerFunc, enableTelemetry bool) {
	if enableTelemetry {
		mux.Handle(route, otelhttp.NewHandler(handler, route, otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents)))
	} else {
		mux.HandleFunc(route, handler)
	}
}

func withVersionHeader(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Spool-Version", versionHeaderValue)
		next(w, r)
	}
}

type handlers struct {
	deps Deps
}

// requireAPIKey enforces the Authorization: ApiKey <hex> header (spec §4.5).
// GET/HEAD reads of the store never pass through this, and /register is
// self-service, so this wraps exactly the mutating routes plus the admin
// subtree (whose GET routes are authenticated too).
func (h *handlers) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := parseAPIKeyHeader(r.Header.Get("Authorization"))
		if !ok {
			httpError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if _, err := h.deps.Access.Verify(r.Context(), raw); err != nil {
			switch {
			case errors.Is(err, access.ErrExpired):
				httpError(w, http.StatusUnauthorized, "Expired API key")
			case errors.Is(err, access.ErrInvalid):
				httpError(w, http.StatusUnauthorized, "invalid API key")
			default:
				log.Errorf("verifying api key: %s", err)
				httpError(w, http.StatusInternalServerError, "checking api key")
			}
			return
		}
		next(w, r)
	}
}

func parseAPIKeyHeader(v string) (string, bool) {
	const prefix = "ApiKey "
	if len(v) <= len(prefix) || v[:len(prefix)] != prefix {
		return "", false
	}
	return v[len(prefix):], true
}

func httpError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

// mapError translates a domain error (spec §7) to an HTTP status and
// message. It is the only place in the repository that does this.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, store.ErrBadRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, query.ErrInvalidQuery):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ingest.ErrMixedKinds):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, registration.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, access.ErrInvalid):
		return http.StatusUnauthorized, "invalid API key"
	case errors.Is(err, access.ErrExpired):
		return http.StatusUnauthorized, "Expired API key"
	case errors.Is(err, store.ErrVerification):
		// Verification failures are surfaced as server errors, mirroring
		// the source's ApiError::VerificationError mapping: a block that
		// fails to verify at this point already passed client-side
		// construction, so it indicates something unexpected server-side.
		return http.StatusInternalServerError, "verification failed"
	case errors.Is(err, store.ErrCorrupted):
		return http.StatusInternalServerError, "corrupted block"
	case errors.Is(err, store.ErrSaving):
		return http.StatusInternalServerError, "save failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	status, msg := mapError(err)
	if status >= 500 {
		log.Errorf("request failed: %s", err)
	} else {
		log.Warnf("request rejected: %s", err)
	}
	httpError(w, status, msg)
}

// version serves GET /version: the original root banner, moved here now
// that GET / lists Strands (spec §6, SPEC_FULL.md §C.3).
func (h *handlers) version(w http.ResponseWriter, r *http.Request) {
	data, _ := json.Marshal(map[string]string{"version": build.Version, "userAgent": build.UserAgent})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// listStrands serves GET /: every Strand, JSON or CAR per Accept.
func (h *handlers) listStrands(w http.ResponseWriter, r *http.Request) {
	var strands []*twine.Strand
	for s, err := range h.deps.Store.ListStrands(r.Context()) {
		if err != nil {
			h.writeError(w, err)
			return
		}
		strands = append(strands, s)
	}

	switch shaper.NegotiateContentType(r.Header.Get("Accept")) {
	case shaper.ContentTypeCAR:
		w.Header().Set("Content-Type", "application/vnd.ipld.car")
		if err := shaper.ShapeStrandListCAR(w, strands); err != nil {
			log.Errorf("encoding strand list as car: %s", err)
		}
	default:
		data, err := shaper.ShapeStrandListJSON(strands)
		if err != nil {
			h.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}
}

// ingestStrands serves PUT /: an authenticated admin action, so strands are
// stored writable (spec §9, "writable flag is operator-managed").
func (h *handlers) ingestStrands(w http.ResponseWriter, r *http.Request) {
	if err := checkCARContentType(r); err != nil {
		h.writeError(w, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.deps.Ingest.IngestStrands(r.Context(), body, true); err != nil {
		h.writeError(w, err)
		return
	}
	_, _ = w.Write([]byte("Put strands"))
}

// ingestTixels serves PUT /{strand_cid}: 401 if the strand is not yet
// admitted (spec §4.3, §7 — a NotFound strand lookup here becomes 401, not
// 404, because the caller is asking to write to a chain that was never
// registered).
func (h *handlers) ingestTixels(w http.ResponseWriter, r *http.Request) {
	strandCID, err := cid.Decode(r.PathValue("strand_cid"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid strand cid")
		return
	}
	has, err := h.deps.Store.HasStrand(r.Context(), strandCID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !has {
		httpError(w, http.StatusUnauthorized, "strand not yet registered")
		return
	}

	if err := checkCARContentType(r); err != nil {
		h.writeError(w, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.deps.Ingest.IngestTixels(r.Context(), strandCID, body); err != nil {
		h.writeError(w, err)
		return
	}
	_, _ = w.Write([]byte("Put tixels"))
}

func checkCARContentType(r *http.Request) error {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/vnd.ipld.car" && ct != "application/octet-stream" {
		return fmt.Errorf("%w: invalid content type %q", store.ErrBadRequest, ct)
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrBadRequest, err)
	}
	return data, nil
}

// execQuery serves GET /{query} (spec §4.2).
func (h *handlers) execQuery(w http.ResponseWriter, r *http.Request) {
	q, err := query.Parse(r.PathValue("query"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.deps.Evaluator.Evaluate(r.Context(), q)
	if err != nil {
		h.writeError(w, err)
		return
	}

	full := r.URL.Query().Get("full") != ""
	switch shaper.NegotiateContentType(r.Header.Get("Accept")) {
	case shaper.ContentTypeCAR:
		w.Header().Set("Content-Type", "application/vnd.ipld.car")
		if err := shaper.ShapeCAR(w, res, full); err != nil {
			log.Errorf("encoding result as car: %s", err)
		}
	default:
		data, err := shaper.ShapeJSON(res, full)
		if err != nil {
			h.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}
}

// headQuery serves HEAD /{query}: an existence probe defined only for
// single-item queries (spec §4.2).
func (h *handlers) headQuery(w http.ResponseWriter, r *http.Request) {
	q, err := query.Parse(r.PathValue("query"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	exists, err := h.deps.Evaluator.Exists(r.Context(), q)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) registerForm(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(registerFormHTML)
}

// registrationRequest is the POST /register body (spec §6): strand is a
// base64-encoded single-block CAR, the "tagged" block representation this
// service already speaks elsewhere (see DESIGN.md).
type registrationRequest struct {
	Email  string `json:"email"`
	Strand string `json:"strand"`
}

type registrationResponse struct {
	UUID   string `json:"uuid"`
	Status string `json:"status"`
}

func (h *handlers) submitRegistration(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed registration body")
		return
	}
	carBytes, err := base64.StdEncoding.DecodeString(req.Strand)
	if err != nil {
		httpError(w, http.StatusBadRequest, "strand is not valid base64")
		return
	}
	strand, err := decodeSingleStrand(carBytes)
	if err != nil {
		h.writeError(w, err)
		return
	}

	id, status, err := h.deps.Registration.Submit(r.Context(), req.Email, strand)
	if err != nil {
		h.writeError(w, err)
		return
	}

	data, _ := json.Marshal(registrationResponse{UUID: id.String(), Status: status.String()})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func decodeSingleStrand(carBytes []byte) (*twine.Strand, error) {
	blocks, err := carutil.Decode(bytes.NewReader(carBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrBadRequest, err)
	}
	if len(blocks) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one block, got %d", store.ErrBadRequest, len(blocks))
	}
	decoded, err := twine.Decode(blocks[0].CID, blocks[0].Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrBadRequest, err)
	}
	strand, ok := decoded.(*twine.Strand)
	if !ok {
		return nil, fmt.Errorf("%w: expected a strand block", store.ErrBadRequest)
	}
	if err := strand.Verify(); err != nil {
		// Unlike the authenticated ingest path, this decode is reached from
		// the public, unauthenticated /register endpoint: a bad signature
		// here is routine malformed client input, not an unexpected
		// server-side condition, so it gets the same ErrBadRequest the
		// other failure modes above it get rather than ErrVerification's
		// 500 mapping.
		return nil, fmt.Errorf("%w: %w", store.ErrBadRequest, err)
	}
	return strand, nil
}

type registrationStatusResponse struct {
	UUID      string `json:"uuid"`
	Email     string `json:"email"`
	StrandCID string `json:"strand_cid"`
	Status    string `json:"status"`
}

func (h *handlers) fetchRegistration(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("uuid"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid receipt uuid")
		return
	}
	rec, err := h.deps.Registration.Fetch(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	data, _ := json.Marshal(registrationStatusResponse{
		UUID:      rec.UUID.String(),
		Email:     rec.Email,
		StrandCID: rec.StrandCID.String(),
		Status:    rec.Status.String(),
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// apiKeyResponse is the admin CRUD JSON shape (supplemented feature, see
// SPEC_FULL.md §C.1). Raw is only ever populated on creation.
type apiKeyResponse struct {
	ID          int64      `json:"id"`
	Description string     `json:"description"`
	Raw         string     `json:"key,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func keyToResponse(k access.Key) apiKeyResponse {
	resp := apiKeyResponse{ID: k.ID, Description: k.Description, Raw: k.Raw, CreatedAt: k.CreatedAt}
	if k.LastUsedAt.Valid {
		resp.LastUsedAt = &k.LastUsedAt.Time
	}
	if k.ExpiresAt.Valid {
		resp.ExpiresAt = &k.ExpiresAt.Time
	}
	return resp
}

func (h *handlers) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.deps.Access.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := make([]apiKeyResponse, 0, len(keys))
	for _, k := range keys {
		resp = append(resp, keyToResponse(k))
	}
	data, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (h *handlers) getAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid key id")
		return
	}
	key, err := h.deps.Access.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, access.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not found")
			return
		}
		h.writeError(w, err)
		return
	}
	data, _ := json.Marshal(keyToResponse(*key))
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

type createAPIKeyRequest struct {
	Description string     `json:"description"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (h *handlers) createAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed api key request")
		return
	}
	key, err := h.deps.Access.Issue(r.Context(), req.Description, req.ExpiresAt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	log.Infow("api key created", "id", key.ID, "description", key.Description)
	data, _ := json.Marshal(keyToResponse(*key))
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (h *handlers) deleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid key id")
		return
	}
	if err := h.deps.Access.Delete(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	log.Infow("api key deleted", "id", id)
	_, _ = w.Write([]byte("Deleted"))
}
