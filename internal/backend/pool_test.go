package backend

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// testPool builds a pool that never dials: max equals the injected count.
func testPool(t *testing.T, conns int) (*Pool, []net.Conn) {
	t.Helper()
	addr := Address{
		Host:     "127.0.0.1",
		Port:     5432,
		Database: "testdb",
		User:     "test",
		Config: PoolConfig{
			Min:                     0,
			Max:                     conns,
			ConnectTimeout:          time.Second,
			CheckoutTimeout:         200 * time.Millisecond,
			HealthcheckTimeout:      time.Second,
			IdleHealthcheckInterval: time.Hour,
			IdleHealthcheckDelay:    time.Hour,
			BanTimeout:              time.Minute,
		},
	}
	p := NewPool(addr, nil)
	t.Cleanup(func() { p.Shutdown(time.Second) })

	peers := make([]net.Conn, 0, conns)
	for i := 0; i < conns; i++ {
		local, remote := net.Pipe()
		peers = append(peers, remote)
		p.injectIdle(newTestServer(local, addr))
	}
	return p, peers
}

func TestPoolAccountingInvariant(t *testing.T) {
	p, _ := testPool(t, 3)

	check := func(stage string) {
		st := p.State()
		if st.Idle+st.CheckedOut != st.Total {
			t.Errorf("%s: idle(%d) + checked_out(%d) != total(%d)", stage, st.Idle, st.CheckedOut, st.Total)
		}
		if st.Total > 3 {
			t.Errorf("%s: total %d exceeds max", stage, st.Total)
		}
	}

	check("initial")
	g1, err := p.Checkout(context.Background(), Request{})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	check("one out")
	g2, err := p.Checkout(context.Background(), Request{})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	check("two out")

	g1.Return(true)
	check("one returned")
	g2.Return(true)
	check("all returned")

	if st := p.State(); st.Idle != 3 {
		t.Errorf("idle = %d, want 3", st.Idle)
	}
}

func TestPoolReturnNotCleanDiscards(t *testing.T) {
	p, _ := testPool(t, 1)

	g, err := p.Checkout(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	g.Return(false)

	st := p.State()
	if st.Total != 0 {
		t.Errorf("total = %d after discarding a dirty return, want 0", st.Total)
	}
	if st.OutOfSync != 1 {
		t.Errorf("out_of_sync = %d, want 1", st.OutOfSync)
	}
}

func TestPoolReturnInTransactionDiscards(t *testing.T) {
	p, _ := testPool(t, 1)

	g, err := p.Checkout(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	// A connection still inside a transaction must never rejoin the idle
	// set.
	g.Server().inTransaction = true
	g.Return(true)

	if st := p.State(); st.Total != 0 {
		t.Errorf("total = %d, want 0", st.Total)
	}
}

func TestPoolCheckoutTimeoutBans(t *testing.T) {
	p, _ := testPool(t, 1)

	g, err := p.Checkout(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Return(true)

	_, err = p.Checkout(context.Background(), Request{})
	if !errors.Is(err, ErrCheckoutTimeout) {
		t.Fatalf("expected ErrCheckoutTimeout, got %v", err)
	}

	st := p.State()
	if !st.Banned || st.BanReason != BanCheckoutTimeout {
		t.Errorf("pool should be banned with checkout_timeout, got %+v", st)
	}

	// Fail fast while banned.
	if _, err := p.Checkout(context.Background(), Request{}); !errors.Is(err, ErrBanned) {
		t.Errorf("expected ErrBanned, got %v", err)
	}
}

func TestPoolWaiterFIFO(t *testing.T) {
	p, _ := testPool(t, 1)

	g, err := p.Checkout(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}

	order := make(chan string, 2)
	startWaiter := func(label string) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			wg, err := p.Checkout(ctx, Request{})
			if err != nil {
				order <- label + ":err"
				return
			}
			order <- label
			wg.Return(true)
		}()
	}

	waitForWaiters := func(n int) {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if p.State().Waiting == n {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatalf("never reached %d waiters", n)
	}

	startWaiter("A")
	waitForWaiters(1)
	startWaiter("B")
	waitForWaiters(2)

	g.Return(true)

	first := <-order
	second := <-order
	if first != "A" || second != "B" {
		t.Errorf("waiter order = %s, %s; want A, B", first, second)
	}
}

func TestPoolPauseHoldsCheckouts(t *testing.T) {
	p, _ := testPool(t, 1)
	p.Pause()

	got := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g, err := p.Checkout(ctx, Request{})
		if err == nil {
			g.Return(true)
		}
		got <- err
	}()

	// While paused, the waiter stays queued.
	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-got:
		t.Fatalf("checkout finished during pause: %v", err)
	default:
	}

	p.Resume()
	if err := <-got; err != nil {
		t.Fatalf("checkout after resume: %v", err)
	}
}

func TestPoolManualBanSticks(t *testing.T) {
	p, _ := testPool(t, 1)

	p.Ban(BanManual)
	if !p.Banned() {
		t.Fatal("manual ban not applied")
	}

	// Automatic bans cannot replace it and soft unban cannot clear it.
	p.Ban(BanCheckoutTimeout)
	if st := p.State(); st.BanReason != BanManual {
		t.Errorf("ban reason = %q, want manual", st.BanReason)
	}
	p.Unban(false)
	if !p.Banned() {
		t.Error("soft unban cleared a manual ban")
	}
	p.Unban(true)
	if p.Banned() {
		t.Error("forced unban should clear a manual ban")
	}
}

func TestPoolAutomaticBanExpires(t *testing.T) {
	p, _ := testPool(t, 1)
	p.addr.Config.BanTimeout = 10 * time.Millisecond

	p.Ban(BanHealthcheckError)
	if !p.Banned() {
		t.Fatal("ban not applied")
	}
	time.Sleep(30 * time.Millisecond)
	if p.Banned() {
		t.Error("automatic ban should expire")
	}
}

func TestPoolShutdownRefusesCheckouts(t *testing.T) {
	p, _ := testPool(t, 1)
	p.Shutdown(100 * time.Millisecond)

	if _, err := p.Checkout(context.Background(), Request{}); !errors.Is(err, ErrOffline) {
		t.Errorf("expected ErrOffline, got %v", err)
	}
	if st := p.State(); st.Total != 0 {
		t.Errorf("total = %d after shutdown", st.Total)
	}
}

func TestBanExpiry(t *testing.T) {
	now := time.Now()
	auto := &Ban{CreatedAt: now.Add(-10 * time.Minute), Reason: BanServerError, Timeout: 5 * time.Minute}
	if !auto.Expired(now) {
		t.Error("aged automatic ban should expire")
	}
	fresh := &Ban{CreatedAt: now, Reason: BanServerError, Timeout: 5 * time.Minute}
	if fresh.Expired(now) {
		t.Error("fresh ban should not expire")
	}
	manual := &Ban{CreatedAt: now.Add(-time.Hour), Reason: BanManual, Timeout: 5 * time.Minute}
	if manual.Expired(now) {
		t.Error("manual ban must never expire")
	}
}
