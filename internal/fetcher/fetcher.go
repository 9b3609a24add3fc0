// Package fetcher performs bounded HTTP retrieval of feed documents.
//
// Fetch never returns an error: every failure is folded into a Result whose
// Kind tells the outcome classifier what happened on the wire.
package fetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type Kind int

const (
	KindSuccess Kind = iota
	KindTimeout
	KindOversized
	KindBadStatus
	KindTLSFailure
	KindNetworkError
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindTimeout:
		return "timeout"
	case KindOversized:
		return "oversized"
	case KindBadStatus:
		return "bad_status"
	case KindTLSFailure:
		return "tls_failure"
	case KindNetworkError:
		return "network_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const (
	DefaultTimeout      = 15 * time.Second
	DefaultMaxBodyBytes = 5 << 20
	DefaultUserAgent    = "feedrelay/1.0"
	maxRedirects        = 5
)

// Config controls a single retrieval.
type Config struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	VerifyTLS    bool
	UserAgent    string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = DefaultUserAgent
	}
	return c
}

// Result is the raw, unclassified outcome of a fetch.
type Result struct {
	Kind       Kind
	Body       []byte
	StatusCode int
	// Size is the number of body bytes read before the fetch completed or was aborted.
	Size    int64
	Elapsed time.Duration
	Err     error
}

// Fetcher is safe for concurrent use. HTTP clients are cached per TLS mode.
type Fetcher struct {
	mu       sync.Mutex
	cfg      Config
	verified *http.Client
	insecure *http.Client

	// transport overrides the default transports (tests).
	transport http.RoundTripper
}

type Option func(*Fetcher)

// WithTransport makes every client use rt. The caller owns TLS configuration of rt.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.transport = rt }
}

func New(cfg Config, opts ...Option) *Fetcher {
	f := &Fetcher{cfg: cfg.withDefaults()}
	for _, o := range opts {
		if o != nil {
			o(f)
		}
	}
	return f
}

// Apply swaps the default configuration used by Fetch.
func (f *Fetcher) Apply(cfg Config) {
	f.mu.Lock()
	f.cfg = cfg.withDefaults()
	f.mu.Unlock()
}

func (f *Fetcher) Config() Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// Fetch retrieves url using the current configuration.
func (f *Fetcher) Fetch(ctx context.Context, url string) Result {
	return f.FetchWith(ctx, url, f.Config())
}

// FetchWith retrieves url with an explicit configuration. It never blocks past
// cfg.Timeout and never buffers more than cfg.MaxBodyBytes.
func (f *Fetcher) FetchWith(ctx context.Context, url string, cfg Config) Result {
	cfg = cfg.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	res := f.do(ctx, url, cfg)
	res.Elapsed = time.Since(start)
	return res
}

func (f *Fetcher) do(ctx context.Context, url string, cfg Config) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Kind: KindNetworkError, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("User-Agent", cfg.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5")

	resp, err := f.client(cfg.VerifyTLS).Do(req)
	if err != nil {
		return Result{Kind: classifyErr(ctx, err), Err: err}
	}
	// Closing before EOF drops the connection, which is how oversized
	// downloads are aborted.
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return Result{
			Kind:       KindBadStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}

	if resp.ContentLength > cfg.MaxBodyBytes {
		return Result{
			Kind:       KindOversized,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("declared content length %d exceeds limit %d", resp.ContentLength, cfg.MaxBodyBytes),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxBodyBytes+1))
	n := int64(len(body))
	if n > cfg.MaxBodyBytes {
		return Result{
			Kind:       KindOversized,
			StatusCode: resp.StatusCode,
			Size:       n,
			Err:        fmt.Errorf("body exceeds limit %d", cfg.MaxBodyBytes),
		}
	}
	if err != nil {
		return Result{Kind: classifyErr(ctx, err), StatusCode: resp.StatusCode, Size: n, Err: fmt.Errorf("read body: %w", err)}
	}
	return Result{Kind: KindSuccess, Body: body, StatusCode: resp.StatusCode, Size: n}
}

func (f *Fetcher) client(verify bool) *http.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if verify && f.verified != nil {
		return f.verified
	}
	if !verify && f.insecure != nil {
		return f.insecure
	}

	rt := f.transport
	if rt == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: !verify} //nolint:gosec // opt-in per feed
		rt = tr
	}
	c := &http.Client{
		Transport: rt,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	if verify {
		f.verified = c
	} else {
		f.insecure = c
	}
	return c
}

func classifyErr(ctx context.Context, err error) Kind {
	if err == nil {
		return KindSuccess
	}
	if isTLSError(err) {
		return KindTLSFailure
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	// Some alerts only surface as strings (remote "bad certificate" etc).
	msg := err.Error()
	if strings.Contains(msg, "tls: ") || strings.Contains(msg, "x509: ") {
		return KindTLSFailure
	}
	return KindNetworkError
}

func isTLSError(err error) bool {
	var (
		unknownAuth  x509.UnknownAuthorityError
		hostname     x509.HostnameError
		invalid      x509.CertificateInvalidError
		verification *tls.CertificateVerificationError
		recordHeader tls.RecordHeaderError
	)
	return errors.As(err, &unknownAuth) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalid) ||
		errors.As(err, &verification) ||
		errors.As(err, &recordHeader)
}
