package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Checkout failures. Sessions translate these into SQLSTATE errors; the
// replica layer uses them to fail over.
var (
	ErrCheckoutTimeout = errors.New("pool: checkout timed out")
	ErrBanned          = errors.New("pool: banned")
	ErrOffline         = errors.New("pool: offline")
	ErrPaused          = errors.New("pool: paused")
)

// Request describes one waiter in the checkout queue.
type Request struct {
	CreatedAt time.Time
	ShardHint int
	Writer    bool
}

// State is a point-in-time snapshot of pool counters.
type State struct {
	Addr       Address
	Idle       int
	CheckedOut int
	Total      int
	Waiting    int
	Paused     bool
	Banned     bool
	BanReason  BanReason
	Online     bool
	Errors     uint64
	OutOfSync  uint64
}

// waiter is one queued checkout. The maintenance loop and Return hand a
// server directly to the head of the queue, preserving FIFO order.
type waiter struct {
	req  Request
	ch   chan *Server
	done bool
}

// Pool is the set of server connections for one address. Idle connections
// are owned by the pool; checked-out ones are owned by their Guard until
// returned.
type Pool struct {
	addr      Address
	tlsConfig *tls.Config

	mu      sync.Mutex
	idle    []*Server
	total   int
	waiters []*waiter
	ban     *Ban
	paused  bool
	online  bool

	errors    uint64
	outOfSync uint64

	// request wakes the maintenance loop; shutdown stops everything.
	request  chan struct{}
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a pool and starts its maintenance loop.
func NewPool(addr Address, tlsConfig *tls.Config) *Pool {
	p := &Pool{
		addr:      addr,
		tlsConfig: tlsConfig,
		online:    true,
		request:   make(chan struct{}, 1),
		shutdown:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.maintain()
	return p
}

// Addr returns the pool's address.
func (p *Pool) Addr() Address { return p.addr }

// Checkout leases a server connection. Waiters are served strictly FIFO.
// On timeout the pool is banned with BanCheckoutTimeout to shed load.
func (p *Pool) Checkout(ctx context.Context, req Request) (*Guard, error) {
	timeout := p.addr.Config.CheckoutTimeout
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.mu.Lock()
	if !p.online {
		p.mu.Unlock()
		return nil, ErrOffline
	}
	if p.ban != nil && !p.ban.Expired(time.Now()) {
		p.mu.Unlock()
		return nil, ErrBanned
	}

	// Fast path: an idle connection and nobody queued ahead.
	if len(p.waiters) == 0 && !p.paused {
		if srv := p.popIdleLocked(); srv != nil {
			p.mu.Unlock()
			return newGuard(p, srv), nil
		}
	}

	w := &waiter{req: req, ch: make(chan *Server, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	p.kickMaintenance()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case srv := <-w.ch:
		return newGuard(p, srv), nil
	case <-timer.C:
		if srv := p.abandonWaiter(w); srv != nil {
			// Race: a server arrived as the timer fired. Use it.
			return newGuard(p, srv), nil
		}
		p.Ban(BanCheckoutTimeout)
		return nil, ErrCheckoutTimeout
	case <-ctx.Done():
		if srv := p.abandonWaiter(w); srv != nil {
			p.returnIdle(srv)
		}
		return nil, ctx.Err()
	case <-p.shutdown:
		if srv := p.abandonWaiter(w); srv != nil {
			srv.Close()
		}
		return nil, ErrOffline
	}
}

// abandonWaiter removes w from the queue. If a server was already handed to
// it, that server is returned so the caller can use or release it.
func (p *Pool) abandonWaiter(w *waiter) *Server {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	w.done = true
	select {
	case srv := <-w.ch:
		return srv
	default:
		return nil
	}
}

// popIdleLocked removes and returns one idle connection. Caller holds mu.
func (p *Pool) popIdleLocked() *Server {
	if len(p.idle) == 0 {
		return nil
	}
	srv := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return srv
}

// dispatchLocked hands idle connections to queued waiters in FIFO order.
// Caller holds mu.
func (p *Pool) dispatchLocked() {
	for len(p.waiters) > 0 && len(p.idle) > 0 && !p.paused && p.online {
		if p.ban != nil && !p.ban.Expired(time.Now()) {
			return
		}
		srv := p.popIdleLocked()
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.ch <- srv
	}
}

// returnIdle puts a clean server back and wakes the next waiter.
func (p *Pool) returnIdle(srv *Server) {
	p.mu.Lock()
	p.idle = append(p.idle, srv)
	p.dispatchLocked()
	p.mu.Unlock()
}

// discard drops a connection that cannot be reused.
func (p *Pool) discard(srv *Server, reason string) {
	srv.Close()
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
	slog.Debug("server discarded", "server", srv.ID(), "addr", p.addr.String(), "reason", reason)
	p.kickMaintenance()
}

// kickMaintenance nudges the maintenance loop without blocking.
func (p *Pool) kickMaintenance() {
	select {
	case p.request <- struct{}{}:
	default:
	}
}

// maintain is the per-pool background task: it grows the pool, expires
// bans, health-checks idle connections, and wakes waiters.
func (p *Pool) maintain() {
	defer p.wg.Done()

	interval := p.addr.Config.IdleHealthcheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.request:
		case <-ticker.C:
		case <-p.shutdown:
			return
		}
		p.maintainOnce()
	}
}

func (p *Pool) maintainOnce() {
	now := time.Now()

	p.mu.Lock()
	if p.ban != nil && p.ban.Expired(now) {
		slog.Info("ban expired", "addr", p.addr.String(), "reason", p.ban.Reason)
		p.ban = nil
	}
	needNew := p.online && !p.paused &&
		(p.total < p.addr.Config.Min ||
			(p.total < p.addr.Config.Max && len(p.waiters) > 0))
	if needNew {
		p.total++ // reserve the slot before dialing
	}
	var probe []*Server
	for _, srv := range p.idle {
		if now.Sub(srv.LastUsed()) >= p.addr.Config.IdleHealthcheckDelay &&
			srv.LastHealthcheck().Add(p.addr.Config.IdleHealthcheckInterval).Before(now) {
			probe = append(probe, srv)
		}
	}
	p.mu.Unlock()

	if needNew {
		ctx, cancel := context.WithTimeout(context.Background(), p.addr.Config.ConnectTimeout)
		srv, err := Connect(ctx, p.addr, p.tlsConfig)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.total--
			p.errors++
			p.mu.Unlock()
			slog.Error("server connection failed", "addr", p.addr.String(), "err", err)
			p.Ban(BanServerError)
			return
		}
		p.returnIdle(srv)
		p.kickMaintenance()
	}

	for _, srv := range probe {
		p.healthcheckIdle(srv)
	}

	p.mu.Lock()
	p.dispatchLocked()
	p.mu.Unlock()
}

// healthcheckIdle probes one idle connection, removing it from the idle set
// for the duration. Failure drops the connection and bans the pool.
func (p *Pool) healthcheckIdle(srv *Server) {
	p.mu.Lock()
	found := false
	for i, s := range p.idle {
		if s == srv {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			found = true
			break
		}
	}
	p.mu.Unlock()
	if !found {
		// Checked out in the meantime; the lease owner validates it.
		return
	}

	if err := srv.Healthcheck(";", p.addr.Config.HealthcheckTimeout); err != nil {
		slog.Warn("healthcheck failed", "server", srv.ID(), "addr", p.addr.String(), "err", err)
		p.discard(srv, "healthcheck")
		p.Ban(BanHealthcheckError)
		return
	}
	p.returnIdle(srv)
}

// Ban takes the pool out of rotation. A manual ban is never overwritten by
// an automatic one.
func (p *Pool) Ban(reason BanReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ban != nil && p.ban.Reason == BanManual {
		return
	}
	p.ban = &Ban{CreatedAt: time.Now(), Reason: reason, Timeout: p.addr.Config.BanTimeout}
	slog.Warn("pool banned", "addr", p.addr.String(), "reason", reason)
}

// Unban clears an automatic ban; manual bans only clear when force is set.
func (p *Pool) Unban(force bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ban == nil {
		return
	}
	if p.ban.Reason == BanManual && !force {
		return
	}
	p.ban = nil
	p.dispatchLocked()
}

// Banned reports whether an unexpired ban is in place.
func (p *Pool) Banned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ban != nil && !p.ban.Expired(time.Now())
}

// Pause holds new checkouts without touching in-flight leases.
func (p *Pool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume lifts a pause and serves any queued waiters.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.dispatchLocked()
	p.mu.Unlock()
	p.kickMaintenance()
}

// CheckedOut returns the number of leased connections.
func (p *Pool) CheckedOut() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total - len(p.idle)
}

// State snapshots the counters.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := State{
		Addr:       p.addr,
		Idle:       len(p.idle),
		CheckedOut: p.total - len(p.idle),
		Total:      p.total,
		Waiting:    len(p.waiters),
		Paused:     p.paused,
		Online:     p.online,
		Errors:     p.errors,
		OutOfSync:  p.outOfSync,
	}
	if p.ban != nil && !p.ban.Expired(time.Now()) {
		s.Banned = true
		s.BanReason = p.ban.Reason
	}
	return s
}

// Shutdown drains the pool: idle connections close immediately, waiters are
// failed, and lease holders get a grace period before their connections are
// orphaned.
func (p *Pool) Shutdown(wait time.Duration) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.online = false
		idle := p.idle
		p.idle = nil
		p.total -= len(idle)
		p.mu.Unlock()

		close(p.shutdown)
		for _, srv := range idle {
			srv.Close()
		}

		deadline := time.Now().Add(wait)
		for time.Now().Before(deadline) {
			p.mu.Lock()
			remaining := p.total
			p.mu.Unlock()
			if remaining == 0 {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		p.wg.Wait()
		slog.Info("pool shut down", "addr", p.addr.String())
	})
}

// injectIdle seeds the pool with a pre-built server. Test hook only.
func (p *Pool) injectIdle(srv *Server) {
	p.mu.Lock()
	p.idle = append(p.idle, srv)
	p.total++
	p.dispatchLocked()
	p.mu.Unlock()
}

// Guard is the lease on one checked-out server. Exactly one of Return or
// Dispose must be called; both are idempotent once either ran.
type Guard struct {
	pool *Pool
	srv  *Server
	done bool
}

func newGuard(p *Pool, srv *Server) *Guard {
	return &Guard{pool: p, srv: srv}
}

// Server returns the leased connection.
func (g *Guard) Server() *Server { return g.srv }

// Return releases the server back to its pool. The connection only rejoins
// the idle set when the request finished cleanly (clean) and cleanup
// succeeds; otherwise it is discarded.
func (g *Guard) Return(clean bool) {
	if g.done {
		return
	}
	g.done = true

	if !clean {
		g.pool.mu.Lock()
		g.pool.outOfSync++
		g.pool.mu.Unlock()
		g.pool.discard(g.srv, "out of sync")
		return
	}
	if g.srv.InTransaction() {
		// Never hand a mid-transaction connection to another client.
		g.pool.discard(g.srv, "in transaction at return")
		return
	}
	if err := g.srv.Cleanup(g.pool.addr.Config.HealthcheckTimeout); err != nil {
		slog.Warn("cleanup failed", "server", g.srv.ID(), "err", err)
		g.pool.discard(g.srv, "cleanup failed")
		return
	}
	g.pool.returnIdle(g.srv)
}

// Dispose cancels any in-flight query and drops the connection. Used when
// the client vanished mid-query.
func (g *Guard) Dispose() {
	if g.done {
		return
	}
	g.done = true
	if err := g.srv.Cancel(); err != nil {
		slog.Debug("cancel request failed", "server", g.srv.ID(), "err", err)
	}
	g.pool.discard(g.srv, "disposed")
}
