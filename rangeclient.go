package rangefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cognusion/go-timings"
	"go.uber.org/atomic"
)

// streamItem is one slot on a ChunkStream's internal channel: either a
// chunk of bytes, or (as the last item before the channel closes) a
// terminal error.
type streamItem struct {
	data []byte
	err  error
}

// ChunkStream is the lazy, ordered, non-restartable byte sequence returned
// by RangeRequestClient.Fetch. It is the Go-idiomatic rendering of the
// spec's pull-based iterator: a channel-backed stream that consumers pull
// from with Next or ReadAll, per SPEC_FULL.md §9.
type ChunkStream struct {
	ch chan streamItem
}

// Next returns the next chunk of bytes. ok is false once the stream is
// exhausted; err is non-nil if the stream ended due to a failure (the
// last call to Next before ok becomes false for good).
func (s *ChunkStream) Next() (data []byte, err error, ok bool) {
	item, open := <-s.ch
	if !open {
		return nil, nil, false
	}
	if item.err != nil {
		return nil, item.err, false
	}
	return item.data, nil, true
}

// ReadAll drains the stream into a single byte slice, returning the first
// error encountered, if any.
func (s *ChunkStream) ReadAll() ([]byte, error) {
	var out []byte
	for {
		data, err, ok := s.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, data...)
	}
}

// FetchOptions configures a single call to RangeRequestClient.Fetch.
type FetchOptions struct {
	// ContentLength and AcceptRanges, when both non-nil, let the caller
	// skip the HEAD probe (the caller already knows this from an earlier
	// CheckServerInfo call).
	ContentLength *int64
	AcceptRanges  *bool
	// StartBytes offsets the parallel fetch plan, for resuming partial
	// downloads.
	StartBytes int64
	// CancelToken, if provided, is adopted rather than created. It is
	// still added to the client's CancelTokenGroup.
	CancelToken *CancelToken
	// OnProgress, if set, is invoked periodically (Config.ProgressInterval)
	// while bytes are arriving, and once more after the stream ends.
	OnProgress ProgressFunc
}

// RangeRequestClient is the public entry point for issuing a parallel (or
// serial fallback) range fetch against a single URL.
type RangeRequestClient struct {
	config  Config
	factory ClientFactory
	group   *CancelTokenGroup
}

// NewRangeRequestClient builds a client from config, using factory for all
// HTTP operations. A nil factory defaults to DefaultClientFactory.
func NewRangeRequestClient(config Config, factory ClientFactory) *RangeRequestClient {
	if factory == nil {
		factory = DefaultClientFactory
	}
	return &RangeRequestClient{
		config:  config,
		factory: factory,
		group:   NewCancelTokenGroup(),
	}
}

// CheckServerInfo issues the HEAD probe described in SPEC_FULL.md §4.4.
func (c *RangeRequestClient) CheckServerInfo(ctx context.Context, url string) (ServerInfo, error) {
	probe := newServerProbe(c.factory, c.config)
	return probe.check(ctx, url, newFetchID())
}

// CancelAll cancels every token the client's group currently owns.
func (c *RangeRequestClient) CancelAll() {
	c.group.CancelAll()
}

// ClearTokens drops the client's references to every token it owns,
// without cancelling them.
func (c *RangeRequestClient) ClearTokens() {
	c.group.Clear()
}

// Fetch returns a lazy ordered byte stream for url, per SPEC_FULL.md §4.6.
func (c *RangeRequestClient) Fetch(ctx context.Context, url string, opts FetchOptions) *ChunkStream {
	fetchID := newFetchID()
	stream := &ChunkStream{ch: make(chan streamItem, c.config.MaxConcurrentRequests+1)}

	token := opts.CancelToken
	if token == nil {
		token = NewCancelToken()
	}
	c.group.AddToken(token)

	go c.run(ctx, url, opts, token, fetchID, stream)

	return stream
}

func (c *RangeRequestClient) run(ctx context.Context, url string, opts FetchOptions, token *CancelToken, fetchID string, stream *ChunkStream) {
	defer close(stream.ch)
	defer timings.Track(fmt.Sprintf("[%s] fetch", fetchID), time.Now(), c.config.timingsLogger())

	stopWatch := watchContext(ctx, token)
	defer stopWatch()

	var received atomic.Int64
	var total int64
	acceptRanges := false

	if opts.ContentLength != nil && opts.AcceptRanges != nil {
		total = *opts.ContentLength
		acceptRanges = *opts.AcceptRanges
	} else {
		info, err := newServerProbe(c.factory, c.config).check(ctx, url, fetchID)
		if err != nil {
			stream.ch <- streamItem{err: err}
			return
		}
		total = info.ContentLength
		acceptRanges = info.AcceptRanges
	}

	var stopProgress func()
	if opts.OnProgress != nil {
		stopProgress = c.startProgressTimer(&received, total, opts.OnProgress)
		defer func() {
			if stopProgress != nil {
				stopProgress()
			}
			opts.OnProgress(received.Load(), total)
		}()
	}

	var err error
	if acceptRanges {
		err = c.runParallel(ctx, url, total, opts.StartBytes, token, fetchID, stream, &received)
	} else {
		err = c.runSerial(ctx, url, token, stream, &received)
	}
	if err != nil {
		stream.ch <- streamItem{err: err}
	}
}

// watchContext bridges an externally supplied context into token: if ctx is
// done before the returned stop func is called, it cancels token, so a
// caller who cancels the context they passed into Fetch gets exactly the
// same effect as calling token.Cancel() directly (the token's own context,
// per CancelToken.Context, is what every in-flight request actually
// derives its deadline from). The caller must invoke the returned func on
// every exit path so the watching goroutine doesn't outlive the fetch.
func watchContext(ctx context.Context, token *CancelToken) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			token.Cancel()
		case <-done:
		}
	}()

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		close(done)
	}
}

// startProgressTimer runs a ticker goroutine that invokes onProgress every
// Config.ProgressInterval while received > 0, per SPEC_FULL.md §4.6 step 3.
// The returned func stops the ticker, waits for any tick callback still
// running to return, and must be called on every exit path.
func (c *RangeRequestClient) startProgressTimer(received *atomic.Int64, total int64, onProgress ProgressFunc) func() {
	interval := c.config.ProgressInterval
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	ticker := time.NewTicker(interval)

	go func() {
		defer close(exited)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if n := received.Load(); n > 0 {
					onProgress(n, total)
				}
			}
		}
	}()

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		close(done)
		<-exited
	}
}

func (c *RangeRequestClient) runParallel(ctx context.Context, url string, total, startBytes int64, token *CancelToken, fetchID string, stream *ChunkStream, received *atomic.Int64) error {
	ranges := planRanges(total, c.config.ChunkSize, startBytes)
	scheduler := newChunkScheduler(c.config, c.factory, url, token, fetchID, ranges, func(n int64) {
		received.Add(n)
	})

	if err := scheduler.startInitialFetches(); err != nil {
		return err
	}

	for scheduler.hasMore() {
		if err := scheduler.processNextCompletion(); err != nil {
			return err
		}
		for _, chunk := range scheduler.yieldReadyChunks() {
			stream.ch <- streamItem{data: chunk}
		}
	}
	return nil
}

// runSerial wraps a whole-body GET-and-drain in a retry loop: any failure,
// including a partial stream failure, restarts the entire download from
// byte 0, per SPEC_FULL.md §4.6. attemptSerialFetch buffers everything it
// reads locally rather than writing straight to stream.ch: emitting as it
// read used to mean a failed attempt's bytes were already on the channel
// by the time a retry restarted from byte 0, duplicating a prefix of the
// output. Buffering until an attempt fully succeeds, then emitting it in
// one pass, makes "restart from byte 0" true of what the caller sees, not
// just of the internal received counter.
func (c *RangeRequestClient) runSerial(ctx context.Context, url string, token *CancelToken, stream *ChunkStream, received *atomic.Int64) error {
	policy := newRetryPolicy(c.config.MaxRetries, c.config.RetryDelayMs)

	var lastErr error
	for policy.shouldRetry() {
		if token != nil {
			if err := token.ThrowIfCancelled(); err != nil {
				return err
			}
		}

		received.Store(0)
		chunks, err := c.attemptSerialFetch(ctx, url, token, received)
		if err == nil {
			for _, chunk := range chunks {
				stream.ch <- streamItem{data: chunk}
			}
			return nil
		}
		lastErr = err

		if !policy.handleError() {
			break
		}
	}
	return lastErr
}

func (c *RangeRequestClient) attemptSerialFetch(ctx context.Context, url string, token *CancelToken, received *atomic.Int64) ([][]byte, error) {
	parent := ctx
	if token != nil {
		parent = token.Context()
	}
	reqCtx, cancel := context.WithTimeout(parent, c.config.ConnectionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	client := c.factory.NewClient(c.config.ConnectionTimeout)
	defer client.CloseIdleConnections()
	if token != nil {
		token.RegisterClient(client)
		defer token.UnregisterClient()
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, WrapError(NetworkError, "serial fetch failed", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, NewError(ServerError, fmt.Sprintf("serial fetch returned status %d", res.StatusCode))
	}

	var chunks [][]byte
	buf := make([]byte, 64*1024)
	for {
		n, readErr := res.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			chunks = append(chunks, chunk)
			received.Add(int64(n))
		}
		if readErr == io.EOF {
			return chunks, nil
		}
		if readErr != nil {
			return nil, WrapError(NetworkError, "serial fetch body read failed", readErr)
		}
	}
}
