package backend

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/shardgate/shardgate/internal/config"
)

// ErrNoReplicas means every candidate pool refused the checkout.
var ErrNoReplicas = errors.New("backend: no replicas available")

// roundRobinCounter is shared across all replica sets so interleaved
// clusters still spread load.
var roundRobinCounter atomic.Uint64

// Replicas picks a pool from a replica set under the configured policy and
// fails over when the chosen pool refuses.
type Replicas struct {
	pools    []*Pool
	strategy config.LoadBalancing
}

// NewReplicas builds a selector over the given pools.
func NewReplicas(pools []*Pool, strategy config.LoadBalancing) *Replicas {
	return &Replicas{pools: pools, strategy: strategy}
}

// Pools returns the underlying pools.
func (r *Replicas) Pools() []*Pool { return r.pools }

// Checkout leases a connection from the best available replica. Banned
// pools are skipped; when every pool is banned they are all unbanned, since
// a fully banned set serves nobody. Each candidate is tried once,
// deadline-aware, before giving up.
func (r *Replicas) Checkout(ctx context.Context, req Request) (*Guard, error) {
	if len(r.pools) == 0 {
		return nil, ErrNoReplicas
	}

	candidates := r.available()
	if len(candidates) == 0 {
		for _, p := range r.pools {
			p.Unban(false)
		}
		candidates = r.available()
		if len(candidates) == 0 {
			return nil, ErrNoReplicas
		}
	}

	r.order(candidates)

	var lastErr error
	for _, p := range candidates {
		if d, ok := ctx.Deadline(); ok && time.Now().After(d) {
			break
		}
		g, err := p.Checkout(ctx, req)
		if err == nil {
			return g, nil
		}
		lastErr = err
		if errors.Is(err, ErrCheckoutTimeout) || errors.Is(err, ErrBanned) || errors.Is(err, ErrOffline) {
			continue
		}
		return nil, err
	}
	if lastErr != nil {
		return nil, errors.Join(ErrNoReplicas, lastErr)
	}
	return nil, ErrNoReplicas
}

// available filters out banned pools.
func (r *Replicas) available() []*Pool {
	out := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		if !p.Banned() {
			out = append(out, p)
		}
	}
	return out
}

// order arranges candidates so the preferred pool is tried first.
func (r *Replicas) order(pools []*Pool) {
	if len(pools) < 2 {
		return
	}
	switch r.strategy {
	case config.BalanceRandom:
		rand.Shuffle(len(pools), func(i, j int) {
			pools[i], pools[j] = pools[j], pools[i]
		})
	case config.BalanceRoundRobin:
		offset := int(roundRobinCounter.Add(1)) % len(pools)
		rotate(pools, offset)
	case config.BalanceLeastOutstanding:
		least := -1
		var tied []int
		for i, p := range pools {
			out := p.CheckedOut()
			switch {
			case least < 0 || out < least:
				least, tied = out, []int{i}
			case out == least:
				tied = append(tied, i)
			}
		}
		// Ties among the least-loaded pools fall back to round robin.
		best := tied[int(roundRobinCounter.Add(1))%len(tied)]
		pools[0], pools[best] = pools[best], pools[0]
	}
}

func rotate(pools []*Pool, offset int) {
	if offset == 0 {
		return
	}
	tmp := append(append([]*Pool(nil), pools[offset:]...), pools[:offset]...)
	copy(pools, tmp)
}
