package rangefetch

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// closableClient is the minimal surface CancelToken needs from whatever
// HTTP client is currently servicing a request: a way to abort it.
type closableClient interface {
	// CloseIdleConnections tears down any idle connections the client is
	// holding. It's the belt-and-suspenders half of the abort path; the
	// authoritative half is Context(), which every in-flight request
	// derives its per-call context from and which Cancel() cancels
	// directly.
	CloseIdleConnections()
}

// CancelToken is a one-shot cancellation flag with a single registered
// client slot. Closing cancel() closes whatever client is currently
// registered, and any client registered afterward is closed immediately.
//
// Safe for concurrent use from any goroutine, matching the teacher
// lineage's shared-flag idiom (go.uber.org/atomic) generalized with a
// mutex-guarded slot for the "close old, keep newest" contract an atomic
// alone cannot express.
type CancelToken struct {
	cancelled atomic.Bool

	mu     sync.Mutex
	client closableClient

	ctx       context.Context
	ctxCancel context.CancelFunc
}

// NewCancelToken returns a fresh, uncancelled CancelToken.
func NewCancelToken() *CancelToken {
	ctx, cancel := context.WithCancel(context.Background())
	return &CancelToken{ctx: ctx, ctxCancel: cancel}
}

// Context returns the context tied to this token's lifetime: Cancel()
// cancels it. Every in-flight HTTP request made on this token's behalf
// derives its per-call context from this one, so cancelling the token
// aborts the request directly rather than relying solely on closing an
// idle connection.
func (t *CancelToken) Context() context.Context {
	return t.ctx
}

// Cancel sets the cancelled flag, cancels this token's context (aborting
// any request whose context descends from it), and closes the currently
// registered client, if any, as a belt-and-suspenders cleanup for requests
// that haven't yet observed the context cancellation. Idempotent: calling
// it more than once has no additional effect.
func (t *CancelToken) Cancel() {
	t.cancelled.Store(true)
	t.ctxCancel()

	t.mu.Lock()
	c := t.client
	t.client = nil
	t.mu.Unlock()

	if c != nil {
		c.CloseIdleConnections()
	}
}

// IsCancelled reports whether Cancel has been called.
func (t *CancelToken) IsCancelled() bool {
	return t.cancelled.Load()
}

// ThrowIfCancelled returns ErrCancelled if the token has been cancelled,
// else nil.
func (t *CancelToken) ThrowIfCancelled() error {
	if t.IsCancelled() {
		return ErrCancelled
	}
	return nil
}

// RegisterClient stores c as the currently active client. If the token is
// already cancelled, c is closed immediately rather than retained, so a
// request that starts just after a cancellation is aborted right away.
// Only the most recently registered client is retained; an earlier one
// registered and not yet unregistered is silently forgotten (see
// SPEC_FULL.md §9 on the open question this preserves).
func (t *CancelToken) RegisterClient(c closableClient) {
	if t.IsCancelled() {
		if c != nil {
			c.CloseIdleConnections()
		}
		return
	}

	t.mu.Lock()
	t.client = c
	t.mu.Unlock()
}

// UnregisterClient clears the currently registered client slot.
func (t *CancelToken) UnregisterClient() {
	t.mu.Lock()
	t.client = nil
	t.mu.Unlock()
}

// CancelTokenGroup is an aggregate of CancelTokens owned by one engine
// instance, with set semantics on token identity.
type CancelTokenGroup struct {
	mu     sync.Mutex
	tokens []*CancelToken
}

// NewCancelTokenGroup returns an empty group.
func NewCancelTokenGroup() *CancelTokenGroup {
	return &CancelTokenGroup{}
}

// CreateToken makes a new CancelToken, adds it to the group, and returns it.
func (g *CancelTokenGroup) CreateToken() *CancelToken {
	t := NewCancelToken()
	g.AddToken(t)
	return t
}

// AddToken adds t to the group. A no-op if t is already present (compared
// by identity).
func (g *CancelTokenGroup) AddToken(t *CancelToken) {
	if t == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.tokens {
		if existing == t {
			return
		}
	}
	g.tokens = append(g.tokens, t)
}

// RemoveToken removes t from the group without cancelling it.
func (g *CancelTokenGroup) RemoveToken(t *CancelToken) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, existing := range g.tokens {
		if existing == t {
			g.tokens = append(g.tokens[:i], g.tokens[i+1:]...)
			return
		}
	}
}

// CancelAll cancels every token currently in the group that isn't already
// cancelled.
func (g *CancelTokenGroup) CancelAll() {
	g.mu.Lock()
	tokens := make([]*CancelToken, len(g.tokens))
	copy(tokens, g.tokens)
	g.mu.Unlock()

	for _, t := range tokens {
		if !t.IsCancelled() {
			t.Cancel()
		}
	}
}

// Clear drops all references to tokens without cancelling them.
func (g *CancelTokenGroup) Clear() {
	g.mu.Lock()
	g.tokens = nil
	g.mu.Unlock()
}

// CancelAndClear cancels every token in the group, then clears it.
func (g *CancelTokenGroup) CancelAndClear() {
	g.CancelAll()
	g.Clear()
}

// Len returns the number of tokens currently in the group.
func (g *CancelTokenGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tokens)
}

// IsAnyCancelled reports whether any token in the group is cancelled.
func (g *CancelTokenGroup) IsAnyCancelled() bool {
	g.mu.Lock()
	tokens := make([]*CancelToken, len(g.tokens))
	copy(tokens, g.tokens)
	g.mu.Unlock()

	for _, t := range tokens {
		if t.IsCancelled() {
			return true
		}
	}
	return false
}

// AreAllCancelled reports whether every token in the group is cancelled.
// An empty group reports true, matching the vacuous-truth convention the
// rest of the group's "all"/"any" pair implies.
func (g *CancelTokenGroup) AreAllCancelled() bool {
	g.mu.Lock()
	tokens := make([]*CancelToken, len(g.tokens))
	copy(tokens, g.tokens)
	g.mu.Unlock()

	for _, t := range tokens {
		if !t.IsCancelled() {
			return false
		}
	}
	return true
}
