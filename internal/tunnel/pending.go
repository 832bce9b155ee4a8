package tunnel

import "sync"

// PendingRegistry implements the Pending-Request Registry (spec.md §4.B): it
// maps a request id to a single-use completion handle and guarantees
// at-most-one resolution. The design mirrors the streamWaiter/pending map
// pattern used for control-channel request correlation in
// other_examples/06101d11_cli-server-cli-server__internal-tunnel-registry.go.go,
// collapsed from a streamed-response channel to a single-fire result since
// this system's responses are whole-frame, not streamed (spec.md non-goal).
type PendingRegistry struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

// pendingResult is what a waiter resolves to: either a response frame or an
// error classifying why no response frame arrived.
type pendingResult struct {
	resp *ResponseFrame
	err  error
}

type waiter struct {
	ch   chan pendingResult
	once sync.Once
}

func (w *waiter) resolve(r pendingResult) bool {
	resolved := false
	w.once.Do(func() {
		w.ch <- r
		close(w.ch)
		resolved = true
	})
	return resolved
}

// NewPendingRegistry returns an empty PendingRegistry.
func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{waiters: make(map[string]*waiter)}
}

// Register creates a completion handle for id and stores it. Callers must
// eventually call Complete, Fail, or let the handle's caller time out and
// call Forget to remove it — Register alone does not expire entries.
func (p *PendingRegistry) Register(id string) {
	p.mu.Lock()
	p.waiters[id] = &waiter{ch: make(chan pendingResult, 1)}
	p.mu.Unlock()
}

// Await returns, without blocking, the channel on which id's result is
// delivered once Complete/Fail resolves it; for an unknown id it returns a
// channel already holding ErrChannelClosed. Callers select on the returned
// channel against their own timer so the registry itself stays free of
// time.Timer bookkeeping per entry.
func (p *PendingRegistry) Await(id string) <-chan pendingResult {
	p.mu.Lock()
	w, ok := p.waiters[id]
	p.mu.Unlock()
	if !ok {
		ch := make(chan pendingResult, 1)
		ch <- pendingResult{err: ErrChannelClosed}
		close(ch)
		return ch
	}
	return w.ch
}

// Complete resolves id with a response frame if id still has an outstanding
// handle. It returns false when id is unknown or already resolved — a late
// response frame arriving after a timeout or drain is silently dropped,
// never forwarded to a new request (spec.md §4.B).
func (p *PendingRegistry) Complete(id string, resp *ResponseFrame) bool {
	p.mu.Lock()
	w, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	return w.resolve(pendingResult{resp: resp})
}

// Fail resolves id with an error if id still has an outstanding handle. It
// is used for timeouts and channel-close draining.
func (p *PendingRegistry) Fail(id string, err error) bool {
	p.mu.Lock()
	w, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	return w.resolve(pendingResult{err: err})
}

// Forget removes id without resolving anything. Used by the ingress
// goroutine when its request frame could not be sent, when its own timer
// fires first, or when the public caller goes away, so the entry is still
// present only because Complete never ran.
func (p *PendingRegistry) Forget(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// DrainAll fails every currently-registered id with err. Used on control
// channel close (spec.md §4.E teardown step 3).
func (p *PendingRegistry) DrainAll(err error) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.waiters))
	for id := range p.waiters {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Fail(id, err)
	}
}

// Len reports the number of outstanding entries, for diagnostics/tests.
func (p *PendingRegistry) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
