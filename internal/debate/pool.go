// Package debate implements the risk-adaptive multi-validator consensus
// protocol: diversity filtering, the safety gate, shared validator
// panels, consensus math, normalized tie-break, and HITL escalation.
package debate

import (
	"container/list"
	"context"
	"sync"
	"time"

	"conductor/internal/logging"
	"conductor/internal/types"
)

// Validator is one panel seat: a stable identity plus the seed that
// diversifies its judgment. Decoding is deterministic (temperature 0)
// so a validator's verdict on a proposal never varies within a run.
type Validator struct {
	ID   string
	Seed int64
}

// Pool is the bounded validator resource. Acquisition is fair FIFO with
// per-caller timeout; panels are acquired fresh per debate so no state
// leaks across runs.
type Pool struct {
	mu       sync.Mutex
	free     []Validator
	waiters  *list.List // of chan []Validator, FIFO
	capacity int
}

// NewPool creates a pool of n validators with deterministic seeds.
func NewPool(n int, seedBase int64) *Pool {
	p := &Pool{waiters: list.New(), capacity: n}
	for i := 0; i < n; i++ {
		p.free = append(p.free, Validator{
			ID:   validatorID(i),
			Seed: seedBase + int64(i)*7919, // distinct seeds per seat
		})
	}
	return p
}

func validatorID(i int) string {
	return "validator-" + string(rune('a'+i%26)) + "-" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [8]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

type panelRequest struct {
	k  int
	ch chan []Validator
}

// AcquirePanel blocks until k validators are free or the timeout
// elapses. Starvation surfaces as a retriable PoolStarvationError,
// never as a diversity failure.
func (p *Pool) AcquirePanel(ctx context.Context, k int, timeout time.Duration) ([]Validator, error) {
	if k > p.capacity {
		return nil, &types.PoolStarvationError{Requested: k, Timeout: timeout}
	}

	p.mu.Lock()
	if p.waiters.Len() == 0 && len(p.free) >= k {
		panel := p.takeLocked(k)
		p.mu.Unlock()
		return panel, nil
	}
	req := &panelRequest{k: k, ch: make(chan []Validator, 1)}
	elem := p.waiters.PushBack(req)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case panel := <-req.ch:
		return panel, nil
	case <-timer.C:
		p.cancelWaiter(elem, req)
		return nil, &types.PoolStarvationError{Requested: k, Timeout: timeout}
	case <-ctx.Done():
		p.cancelWaiter(elem, req)
		return nil, &types.CanceledError{Op: "validator panel acquire"}
	}
}

func (p *Pool) cancelWaiter(elem *list.Element, req *panelRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// The dispatcher may have satisfied the request concurrently; if so
	// the panel sits in the channel and must go back to the pool.
	p.waiters.Remove(elem)
	select {
	case panel := <-req.ch:
		p.free = append(p.free, panel...)
		p.dispatchLocked()
	default:
	}
}

func (p *Pool) takeLocked(k int) []Validator {
	panel := make([]Validator, k)
	copy(panel, p.free[:k])
	p.free = p.free[k:]
	return panel
}

// ReleasePanel returns validators to the pool. Mandatory on every exit
// path; callers defer it immediately after acquisition.
func (p *Pool) ReleasePanel(panel []Validator) {
	if len(panel) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, panel...)
	logging.DebateDebug("released %d validators (%d free)", len(panel), len(p.free))
	p.dispatchLocked()
}

// dispatchLocked hands panels to waiters strictly in FIFO order. The
// head waiter blocks younger ones even if they want fewer seats; that
// is the fairness guarantee.
func (p *Pool) dispatchLocked() {
	for p.waiters.Len() > 0 {
		head := p.waiters.Front()
		req := head.Value.(*panelRequest)
		if len(p.free) < req.k {
			return
		}
		p.waiters.Remove(head)
		req.ch <- p.takeLocked(req.k)
	}
}

// Free reports the currently free seat count. Test helper.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
