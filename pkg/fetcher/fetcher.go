package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/url"
	"strconv"
	"time"

	"gitlab.com/go-extension/http"
	"go.uber.org/zap"

	"github.com/pmkol/imgcache/pkg/asset"
	"github.com/pmkol/imgcache/pkg/utils"
)

// Handle is a fetched and decoded image. The cache treats it as opaque
// apart from Size.
type Handle struct {
	Key         asset.Key
	ContentType string
	Format      string
	Width       int
	Height      int
	Size        int64
	Data        []byte
}

// Fetcher retrieves one image. Implementations must be safe for
// concurrent use and report failure only through the error.
type Fetcher interface {
	Fetch(ctx context.Context, key asset.Key) (*Handle, error)
}

// Func adapts a function to Fetcher.
type Func func(ctx context.Context, key asset.Key) (*Handle, error)

func (f Func) Fetch(ctx context.Context, key asset.Key) (*Handle, error) {
	return f(ctx, key)
}

// Error is a failed fetch. Status is zero for transport errors.
type Error struct {
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: http %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var ErrTooLarge = errors.New("image exceeds size limit")

const defaultUserAgent = "imgcache/1"

type HTTPFetcherOpts struct {
	// Client defaults to a client with Timeout over a pooled Transport.
	Client *http.Client

	// Timeout of one fetch. Default is 15s. Ignored when Client is set.
	Timeout time.Duration

	// MaxIdleConnsPerHost of the default Transport. Default is 8.
	MaxIdleConnsPerHost int

	// MaxBodyBytes caps the downloaded size. Default is 32MiB.
	MaxBodyBytes int64

	UserAgent string

	// Logger is the *zap.Logger for this fetcher.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *HTTPFetcherOpts) Init() {
	utils.SetDefaultNum(&opts.Timeout, 15*time.Second)
	utils.SetDefaultNum(&opts.MaxBodyBytes, 32<<20)
	utils.SetDefaultNum(&opts.MaxIdleConnsPerHost, 8)
	utils.SetDefaultString(&opts.UserAgent, defaultUserAgent)
	if opts.Client == nil {
		opts.Client = &http.Client{
			Transport: newTransport(opts.MaxIdleConnsPerHost),
			Timeout:   opts.Timeout,
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
}

func newTransport(idlePerHost int) *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: idlePerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// HTTPFetcher downloads images over http(s) and validates that the body
// decodes as an image. Transform options are passed upstream as query
// parameters w, h and fmt.
type HTTPFetcher struct {
	opts HTTPFetcherOpts
}

var _ Fetcher = (*HTTPFetcher)(nil)

func NewHTTPFetcher(opts HTTPFetcherOpts) *HTTPFetcher {
	opts.Init()
	return &HTTPFetcher{opts: opts}
}

// Close releases idle connections of the default Transport.
func (f *HTTPFetcher) Close() error {
	if t, ok := f.opts.Client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

func requestURL(key asset.Key) (string, error) {
	u, err := url.Parse(key.URL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if key.Transform.IsZero() {
		return u.String(), nil
	}
	q := u.Query()
	if w := key.Transform.Width; w > 0 {
		q.Set("w", strconv.Itoa(w))
	}
	if h := key.Transform.Height; h > 0 {
		q.Set("h", strconv.Itoa(h))
	}
	if f := key.Transform.Format; len(f) > 0 {
		q.Set("fmt", f)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, key asset.Key) (*Handle, error) {
	urlStr, err := requestURL(key)
	if err != nil {
		return nil, &Error{URL: key.URL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, &Error{URL: key.URL, Err: err}
	}
	req.Header.Set("Accept", "image/*")
	req.Header.Set("User-Agent", f.opts.UserAgent)

	res, err := f.opts.Client.Do(req)
	if err != nil {
		return nil, &Error{URL: key.URL, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return nil, &Error{URL: key.URL, Status: res.StatusCode}
	}
	if res.ContentLength > f.opts.MaxBodyBytes {
		return nil, &Error{URL: key.URL, Err: ErrTooLarge}
	}

	// Read one extra byte to detect oversized bodies without a Content-Length.
	data, err := io.ReadAll(io.LimitReader(res.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, &Error{URL: key.URL, Err: err}
	}
	if int64(len(data)) > f.opts.MaxBodyBytes {
		return nil, &Error{URL: key.URL, Err: ErrTooLarge}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &Error{URL: key.URL, Err: fmt.Errorf("decode: %w", err)}
	}

	f.opts.Logger.Debug("image fetched",
		zap.Stringer("key", key),
		zap.String("format", format),
		zap.Int("bytes", len(data)))

	return &Handle{
		Key:         key,
		ContentType: res.Header.Get("Content-Type"),
		Format:      format,
		Width:       cfg.Width,
		Height:      cfg.Height,
		Size:        int64(len(data)),
		Data:        data,
	}, nil
}
