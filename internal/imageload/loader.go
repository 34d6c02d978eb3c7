package imageload

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/imagen-studio/internal/prediction"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxBytes = 20 << 20
)

// Loader fetches output images over HTTP and checks that they decode.
// Concurrent loads of the same reference share one fetch.
type Loader struct {
	client   *http.Client
	maxBytes int64
	group    singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is a shared fetch and the number of callers still waiting on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

var _ prediction.ImageLoader = (*Loader)(nil)

type Option func(*Loader)

func WithTimeout(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.client.Timeout = d
		}
	}
}

// WithMaxBytes rejects bodies larger than n bytes.
func WithMaxBytes(n int64) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) {
		if c != nil {
			l.client = c
		}
	}
}

func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		client:   &http.Client{Timeout: DefaultTimeout},
		maxBytes: DefaultMaxBytes,
		flights:  make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load implements prediction.ImageLoader.
func (l *Loader) Load(ctx context.Context, ref string) (prediction.Image, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return prediction.Image{}, fmt.Errorf("empty image reference")
	}

	f := l.join(ctx, ref)
	ch := l.group.DoChan(ref, func() (any, error) {
		return l.fetch(f.ctx, ref)
	})
	select {
	case <-ctx.Done():
		l.leave(ref, f)
		return prediction.Image{}, ctx.Err()
	case res := <-ch:
		l.leave(ref, f)
		if res.Err != nil {
			return prediction.Image{}, res.Err
		}
		return res.Val.(prediction.Image), nil
	}
}

// join registers a waiter on the shared fetch of ref. The fetch context
// outlives any single caller and is canceled when the last waiter leaves.
func (l *Loader) join(ctx context.Context, ref string) *flight {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.flights[ref]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		l.flights[ref] = f
	}
	f.waiters++
	return f
}

func (l *Loader) leave(ref string, f *flight) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if l.flights[ref] == f {
		delete(l.flights, ref)
		// a later caller must not join a fetch that is being torn down
		l.group.Forget(ref)
	}
}

func (l *Loader) fetch(ctx context.Context, ref string) (prediction.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return prediction.Image{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return prediction.Image{}, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return prediction.Image{}, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > l.maxBytes {
		return prediction.Image{}, fmt.Errorf("image is %d bytes, limit is %d", resp.ContentLength, l.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return prediction.Image{}, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > l.maxBytes {
		return prediction.Image{}, fmt.Errorf("image exceeds %d bytes", l.maxBytes)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return prediction.Image{}, fmt.Errorf("invalid image data: %w", err)
	}

	return prediction.Image{
		Ref:         ref,
		Data:        data,
		ContentType: "image/" + format,
		Width:       cfg.Width,
		Height:      cfg.Height,
	}, nil
}
