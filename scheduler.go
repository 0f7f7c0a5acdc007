package rangefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cognusion/go-recyclable"
	"github.com/cognusion/go-timings"
	"github.com/cognusion/semaphore"
)

// planRanges produces the ordered ChunkRange sequence covering [offset,
// total) in chunks of at most chunkSize bytes, per SPEC_FULL.md §3. The
// plan is empty when offset >= total or total == 0.
func planRanges(total, chunkSize, offset int64) []ChunkRange {
	if chunkSize <= 0 || offset >= total || total <= 0 {
		return nil
	}

	var ranges []ChunkRange
	for start := offset; start < total; start += chunkSize {
		end := start + chunkSize - 1
		if end > total-1 {
			end = total - 1
		}
		ranges = append(ranges, ChunkRange{Start: start, End: end})
	}
	return ranges
}

// rangeResult is what a dispatched per-range fetch goroutine reports back
// on the scheduler's shared completion channel.
type rangeResult struct {
	index int
	data  []byte
	err   error
}

// chunkScheduler plans, dispatches, awaits, and emits chunks for one
// parallel range fetch. It is created fresh per fetch and consumed
// exactly once, driven by a single goroutine (startInitialFetches,
// then alternating processNextCompletion/yieldReadyChunks), per
// SPEC_FULL.md §4.5.
type chunkScheduler struct {
	config  Config
	factory ClientFactory
	url     string
	token   *CancelToken
	fetchID string

	onChunkComplete func(n int64) // optional progress hook

	ranges         []ChunkRange
	nextChunkIndex int
	nextWriteIndex int
	activeTasks    map[int]struct{}
	pendingChunks  map[int][]byte

	sem         semaphore.Semaphore
	completions chan rangeResult
	bufPool     *recyclable.BufferPool
}

func newChunkScheduler(config Config, factory ClientFactory, url string, token *CancelToken, fetchID string, ranges []ChunkRange, onChunkComplete func(int64)) *chunkScheduler {
	return &chunkScheduler{
		config:          config,
		factory:         factory,
		url:             url,
		token:           token,
		fetchID:         fetchID,
		onChunkComplete: onChunkComplete,
		ranges:          ranges,
		activeTasks:     make(map[int]struct{}),
		pendingChunks:   make(map[int][]byte),
		sem:             semaphore.NewSemaphore(max(config.MaxConcurrentRequests, 1)),
		completions:     make(chan rangeResult, len(ranges)),
		bufPool:         recyclable.NewBufferPool(),
	}
}

// hasMore reports whether the scheduler still has work in flight or
// buffered for emission. Once it returns false there is nothing left to
// pump or yield.
func (s *chunkScheduler) hasMore() bool {
	return len(s.activeTasks) > 0 || len(s.pendingChunks) > 0
}

// startInitialFetches dispatches ranges up to the concurrency cap, or
// until the plan is exhausted. It checks cancellation before every
// dispatch and returns ErrCancelled synchronously, with no ranges
// dispatched after the cancelled check fails, if the token is already
// cancelled — dispatch happens lazily so an early cancellation leaves
// activeTasks empty.
func (s *chunkScheduler) startInitialFetches() error {
	slots := s.config.MaxConcurrentRequests
	for slots > 0 && s.nextChunkIndex < len(s.ranges) {
		if err := s.dispatchNext(); err != nil {
			return err
		}
		slots--
	}
	return nil
}

// dispatchNext checks cancellation, then launches the next undispatched
// range in its own goroutine.
func (s *chunkScheduler) dispatchNext() error {
	if s.token != nil {
		if err := s.token.ThrowIfCancelled(); err != nil {
			return err
		}
	}
	if s.nextChunkIndex >= len(s.ranges) {
		return nil
	}

	index := s.nextChunkIndex
	rng := s.ranges[index]
	s.nextChunkIndex++

	s.sem.Lock()
	s.activeTasks[index] = struct{}{}

	go func() {
		defer s.sem.Unlock()
		data, err := s.fetchRange(rng)
		s.completions <- rangeResult{index: index, data: data, err: err}
	}()

	return nil
}

// processNextCompletion awaits the first active task to finish, moves its
// bytes into pendingChunks, invokes the progress hook, and — if the token
// hasn't been cancelled in the meantime and more ranges remain — dispatches
// the next one. A cancellation observed here is returned as ErrCancelled
// rather than silently stopping dispatch: the chunk just folded into
// pendingChunks is never yielded, so the caller sees a failed fetch instead
// of a truncated one that looks complete.
func (s *chunkScheduler) processNextCompletion() error {
	result := <-s.completions
	delete(s.activeTasks, result.index)

	if result.err != nil {
		return result.err
	}

	s.pendingChunks[result.index] = result.data
	if s.onChunkComplete != nil {
		s.onChunkComplete(int64(len(result.data)))
	}

	if s.token != nil {
		if err := s.token.ThrowIfCancelled(); err != nil {
			return err
		}
	}

	if s.nextChunkIndex < len(s.ranges) {
		return s.dispatchNext()
	}
	return nil
}

// yieldReadyChunks drains pendingChunks in strictly increasing index
// order starting at nextWriteIndex, without blocking, stopping as soon as
// the next expected index isn't present yet.
func (s *chunkScheduler) yieldReadyChunks() [][]byte {
	var ready [][]byte
	for {
		chunk, ok := s.pendingChunks[s.nextWriteIndex]
		if !ok {
			break
		}
		ready = append(ready, chunk)
		delete(s.pendingChunks, s.nextWriteIndex)
		s.nextWriteIndex++
	}
	return ready
}

// fetchRange performs the GET for one range, retrying per the config's
// retry policy. Each attempt creates a fresh client, registers it with
// the cancellation token for the duration of the call, and closes it
// unconditionally afterward.
func (s *chunkScheduler) fetchRange(rng ChunkRange) ([]byte, error) {
	defer timings.Track(fmt.Sprintf("[%s] fetchChunk %d-%d", s.fetchID, rng.Start, rng.End), time.Now(), s.config.timingsLogger())

	policy := newRetryPolicy(s.config.MaxRetries, s.config.RetryDelayMs)

	var lastErr error
	for policy.shouldRetry() {
		if s.token != nil {
			if err := s.token.ThrowIfCancelled(); err != nil {
				return nil, err
			}
		}

		data, err := s.attemptFetchRange(rng)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if !policy.handleError() {
			break
		}
	}
	return nil, lastErr
}

func (s *chunkScheduler) attemptFetchRange(rng ChunkRange) ([]byte, error) {
	parent := context.Background()
	if s.token != nil {
		parent = s.token.Context()
	}
	ctx, cancel := context.WithTimeout(parent, s.config.ConnectionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}

	client := s.factory.NewClient(s.config.ConnectionTimeout)
	defer client.CloseIdleConnections()
	if s.token != nil {
		s.token.RegisterClient(client)
		defer s.token.UnregisterClient()
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, WrapError(NetworkError, "range request failed", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		return nil, NewError(InvalidResponse, fmt.Sprintf("Expected 206 Partial Content, got %d", res.StatusCode))
	}

	data, err := s.readBody(res.Body)
	if err != nil {
		return nil, WrapError(NetworkError, "failed reading range body", err)
	}

	if int64(len(data)) != rng.Len() {
		return nil, NewError(InvalidResponse, fmt.Sprintf("range %d-%d returned %d bytes, expected %d", rng.Start, rng.End, len(data), rng.Len()))
	}

	return data, nil
}

// readBody reads body fully through a pooled buffer, returning the pool's
// buffer immediately afterward and copying the bytes out so callers own a
// stable slice. This keeps the per-range read allocation-light under high
// concurrency without holding pooled memory past the fetch's lifetime.
func (s *chunkScheduler) readBody(body io.Reader) ([]byte, error) {
	buf := s.bufPool.Get()
	defer buf.Close()
	buf.Reset(nil)

	if _, err := io.Copy(buf, body); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
