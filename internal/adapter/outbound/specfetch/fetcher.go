// Package specfetch downloads OpenAPI descriptors from registrant-supplied
// URLs. The default client dials through the address guard, so a hostname
// that passed validation cannot be rebound to a private address between
// validation and fetch.
package specfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kaylacar/agent-door/internal/domain/guard"
)

// MaxSpecBytes caps the size of a fetched descriptor.
const MaxSpecBytes = 5 << 20

// ErrTooLarge is returned when the descriptor exceeds MaxSpecBytes.
var ErrTooLarge = errors.New("spec exceeds size limit")

// Fetcher downloads OpenAPI documents with a size cap and timeout.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the guarded default client. Intended for tests,
// which talk to loopback servers the guard would refuse.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithTimeout sets the per-fetch deadline.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

// WithLogger sets the fetcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = logger }
}

// New builds a Fetcher. Without options it uses a client that refuses
// redirects and dials only public addresses, with a 10 second deadline.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		timeout: 10 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &http.Client{
			Transport: &http.Transport{
				DialContext:           guard.SafeDialContext(),
				MaxIdleConns:          10,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
			},
			// A redirect could point back inside the network; follow none.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return f
}

// Fetch downloads the descriptor at specURL. It enforces the size cap
// twice: on the declared Content-Length before reading, and on the actual
// bytes read, since the header is advisory.
func (f *Fetcher) Fetch(ctx context.Context, specURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, specURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build spec request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch spec: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch spec: upstream returned %s", strconv.Itoa(resp.StatusCode))
	}
	if resp.ContentLength > MaxSpecBytes {
		return nil, ErrTooLarge
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxSpecBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read spec body: %w", err)
	}
	if len(body) > MaxSpecBytes {
		return nil, ErrTooLarge
	}

	f.logger.Debug("spec fetched",
		"url", specURL,
		"bytes", len(body),
		"elapsed_ms", time.Since(start).Milliseconds())
	return body, nil
}
