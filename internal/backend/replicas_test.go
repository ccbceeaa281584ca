package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shardgate/shardgate/internal/config"
)

func testReplicaSet(t *testing.T, n int, strategy config.LoadBalancing) (*Replicas, []*Pool) {
	t.Helper()
	pools := make([]*Pool, 0, n)
	for i := 0; i < n; i++ {
		p, _ := testPool(t, 1)
		pools = append(pools, p)
	}
	return NewReplicas(pools, strategy), pools
}

func TestReplicasSkipBanned(t *testing.T) {
	r, pools := testReplicaSet(t, 3, config.BalanceRoundRobin)
	pools[0].Ban(BanHealthcheckError)
	pools[1].Ban(BanHealthcheckError)

	for i := 0; i < 5; i++ {
		g, err := r.Checkout(context.Background(), Request{})
		if err != nil {
			t.Fatalf("checkout %d: %v", i, err)
		}
		if g.pool != pools[2] {
			t.Errorf("checkout %d served by banned pool", i)
		}
		g.Return(true)
	}
}

func TestReplicasAllBannedSelfHeal(t *testing.T) {
	r, pools := testReplicaSet(t, 2, config.BalanceRandom)
	for _, p := range pools {
		p.Ban(BanHealthcheckError)
	}

	// A fully banned set serves nobody, so every ban lifts.
	g, err := r.Checkout(context.Background(), Request{})
	if err != nil {
		t.Fatalf("checkout after self-heal: %v", err)
	}
	g.Return(true)

	for i, p := range pools {
		if p.Banned() {
			t.Errorf("pool %d still banned after self-heal", i)
		}
	}
}

func TestReplicasManualBanSurvivesSelfHeal(t *testing.T) {
	r, pools := testReplicaSet(t, 2, config.BalanceRandom)
	pools[0].Ban(BanManual)
	pools[1].Ban(BanHealthcheckError)

	g, err := r.Checkout(context.Background(), Request{})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	g.Return(true)

	if !pools[0].Banned() {
		t.Error("manual ban must survive the all-banned unban")
	}
}

func TestReplicasFailover(t *testing.T) {
	r, pools := testReplicaSet(t, 2, config.BalanceRoundRobin)

	// Exhaust pool 0 so its checkout times out and the set fails over.
	g0, err := pools[0].Checkout(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	defer g0.Return(true)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		g, err := r.Checkout(context.Background(), Request{})
		if err != nil {
			t.Fatalf("failover checkout: %v", err)
		}
		served := g.pool
		g.Return(true)
		if served == pools[1] {
			return // failed over successfully at least once
		}
	}
	t.Error("checkout never failed over to the healthy replica")
}

func TestReplicasEmpty(t *testing.T) {
	r := NewReplicas(nil, config.BalanceRandom)
	if _, err := r.Checkout(context.Background(), Request{}); !errors.Is(err, ErrNoReplicas) {
		t.Errorf("expected ErrNoReplicas, got %v", err)
	}
}

func TestLeastOutstandingPrefersIdle(t *testing.T) {
	r, pools := testReplicaSet(t, 2, config.BalanceLeastOutstanding)

	// Occupy pool 0 so pool 1 has fewer outstanding leases.
	g0, err := pools[0].Checkout(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	defer g0.Return(true)

	g, err := r.Checkout(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Return(true)
	if g.pool != pools[1] {
		t.Error("least-outstanding should pick the idle pool")
	}
}

func TestRotate(t *testing.T) {
	a, _ := testPool(t, 1)
	b, _ := testPool(t, 1)
	c, _ := testPool(t, 1)
	pools := []*Pool{a, b, c}
	rotate(pools, 1)
	if pools[0] != b || pools[1] != c || pools[2] != a {
		t.Error("rotate by 1 misordered the pools")
	}
	rotate(pools, 0)
	if pools[0] != b {
		t.Error("rotate by 0 should be a no-op")
	}
}
