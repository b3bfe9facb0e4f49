package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/lllypuk/matreq/internal/domain/change"
)

const (
	defaultSnapshotPath  = "/api/v1/sync/"
	defaultFetchTimeout  = 30 * time.Second
	maxSnapshotBodyBytes = 64 << 20
)

// Resync errors.
var (
	ErrSignedOut      = errors.New("no credential")
	ErrSnapshotFailed = errors.New("snapshot request failed")
)

// snapshotEnvelope is the response envelope of GET /api/v1/sync/:kind.
type snapshotEnvelope struct {
	Success bool `json:"success"`
	Data    struct {
		EntityKind change.Kind       `json:"entity_kind"`
		Items      []change.Document `json:"items"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Resyncer re-fetches every subscribed kind and replaces the local copy.
// It is meant to run as a Session ConnectHook.
type Resyncer struct {
	server     *url.URL
	creds      *Credentials
	reconciler *Reconciler
	kinds      []change.Kind
	client     *http.Client
	logger     *slog.Logger
}

// ResyncOption configures a Resyncer.
type ResyncOption func(*Resyncer)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) ResyncOption {
	return func(r *Resyncer) {
		if client != nil {
			r.client = client
		}
	}
}

// WithResyncLogger sets the logger.
func WithResyncLogger(logger *slog.Logger) ResyncOption {
	return func(r *Resyncer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResyncer creates a Resyncer fetching kinds from serverURL.
func NewResyncer(
	serverURL string,
	creds *Credentials,
	reconciler *Reconciler,
	kinds []change.Kind,
	opts ...ResyncOption,
) (*Resyncer, error) {
	server, err := url.Parse(serverURL)
	if err != nil || server.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidServerURL, serverURL)
	}
	switch server.Scheme {
	case "ws":
		server.Scheme = "http"
	case "wss":
		server.Scheme = "https"
	}

	r := &Resyncer{
		server:     server,
		creds:      creds,
		reconciler: reconciler,
		kinds:      kinds,
		client:     &http.Client{Timeout: defaultFetchTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resync fetches every kind and replaces the local collections. It stops at
// the first failure so the session retries the whole connection.
func (r *Resyncer) Resync(ctx context.Context) error {
	for _, kind := range r.kinds {
		docs, err := r.Fetch(ctx, kind)
		if err != nil {
			return err
		}
		changed := r.reconciler.Replace(ctx, kind, docs)
		r.logger.DebugContext(ctx, "resynchronized",
			slog.String("entity_kind", string(kind)),
			slog.Int("aggregates", len(docs)),
			slog.Bool("changed", changed),
		)
	}
	return nil
}

// Fetch returns every aggregate of kind visible to the current credential.
func (r *Resyncer) Fetch(ctx context.Context, kind change.Kind) ([]change.Document, error) {
	token := r.creds.Current()
	if token == "" {
		return nil, ErrSignedOut
	}

	endpoint := r.server.JoinPath(defaultSnapshotPath, string(kind)).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSnapshotFailed, kind, err)
	}
	defer resp.Body.Close()

	var envelope snapshotEnvelope
	decodeErr := json.NewDecoder(http.MaxBytesReader(nil, resp.Body, maxSnapshotBodyBytes)).Decode(&envelope)

	if resp.StatusCode != http.StatusOK || !envelope.Success {
		code := "unknown"
		if decodeErr == nil && envelope.Error != nil {
			code = envelope.Error.Code
		}
		return nil, fmt.Errorf("%w: %s: status %d, code %s", ErrSnapshotFailed, kind, resp.StatusCode, code)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %s: decode: %w", ErrSnapshotFailed, kind, decodeErr)
	}
	return envelope.Data.Items, nil
}
