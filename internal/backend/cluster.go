package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardgate/shardgate/internal/config"
	"github.com/shardgate/shardgate/internal/sharding"
)

// ErrNoDatabase means no cluster serves the (user, database) pair.
var ErrNoDatabase = errors.New("backend: no such user/database")

// Table is the sharding schema of one table.
type Table struct {
	Column   string
	DataType sharding.DataType
}

// Shard is one partition: a primary pool plus a replica set.
type Shard struct {
	Primary  *Pool
	Replicas *Replicas
}

// Checkout leases from the primary (write) or a replica (read). Reads fall
// back to the primary when the shard has no replicas.
func (s *Shard) Checkout(ctx context.Context, req Request, read bool) (*Guard, error) {
	if read && s.Replicas != nil && len(s.Replicas.Pools()) > 0 {
		g, err := s.Replicas.Checkout(ctx, req)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, ErrNoReplicas) {
			return nil, err
		}
	}
	if s.Primary == nil {
		return nil, ErrNoReplicas
	}
	return s.Primary.Checkout(ctx, req)
}

// Cluster is everything a session needs to route for one (user, database):
// the shard list, the sharding schema, and the hash selector.
type Cluster struct {
	User       string
	Database   string
	Shards     []*Shard
	Tables     map[string]Table
	Selector   *sharding.Shards
	Password   string
	PoolerMode config.PoolerMode
}

// ShardCount returns the number of shards.
func (c *Cluster) ShardCount() int { return len(c.Shards) }

// Shard returns shard i, or an error for a hint out of range.
func (c *Cluster) Shard(i int) (*Shard, error) {
	if i < 0 || i >= len(c.Shards) {
		return nil, fmt.Errorf("backend: shard %d out of range (%d shards)", i, len(c.Shards))
	}
	return c.Shards[i], nil
}

// TableFor returns the sharding schema for a table, if sharded.
func (c *Cluster) TableFor(name string) (Table, bool) {
	t, ok := c.Tables[name]
	return t, ok
}

// Pools returns every pool of the cluster, primaries first.
func (c *Cluster) Pools() []*Pool {
	var out []*Pool
	for _, s := range c.Shards {
		if s.Primary != nil {
			out = append(out, s.Primary)
		}
	}
	for _, s := range c.Shards {
		if s.Replicas != nil {
			out = append(out, s.Replicas.Pools()...)
		}
	}
	return out
}

// clusterKey identifies a cluster by user and database.
type clusterKey struct {
	user     string
	database string
}

// view is one immutable generation of the database map.
type view struct {
	clusters map[clusterKey]*Cluster
	pools    map[string]*Pool // by Address.Key, for reuse across reloads
}

// Databases maps (user, database) onto clusters. Reads are lock-free
// snapshots; reloads build a new view and swap it in behind a barrier that
// briefly holds new checkouts so the swap appears atomic.
type Databases struct {
	snap      atomic.Pointer[view]
	wmu       sync.Mutex
	barrier   sync.RWMutex
	tlsConfig *tls.Config
}

// NewDatabases builds the initial view from the configuration.
func NewDatabases(cfg *config.Config, tlsConfig *tls.Config) (*Databases, error) {
	d := &Databases{tlsConfig: tlsConfig}
	v, err := d.build(cfg, &view{pools: map[string]*Pool{}})
	if err != nil {
		return nil, err
	}
	d.snap.Store(v)
	return d, nil
}

// Get returns the cluster for a (user, database) pair. Callers pass the
// barrier so a reload in progress completes first.
func (d *Databases) Get(user, database string) (*Cluster, error) {
	d.barrier.RLock()
	v := d.snap.Load()
	d.barrier.RUnlock()

	if c, ok := v.clusters[clusterKey{user, database}]; ok {
		return c, nil
	}
	return nil, ErrNoDatabase
}

// All returns every cluster in the current view.
func (d *Databases) All() []*Cluster {
	v := d.snap.Load()
	out := make([]*Cluster, 0, len(v.clusters))
	for _, c := range v.clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Database != out[j].Database {
			return out[i].Database < out[j].Database
		}
		return out[i].User < out[j].User
	})
	return out
}

// Pools returns every distinct pool in the current view.
func (d *Databases) Pools() []*Pool {
	v := d.snap.Load()
	out := make([]*Pool, 0, len(v.pools))
	keys := make([]string, 0, len(v.pools))
	for k := range v.pools {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, v.pools[k])
	}
	return out
}

// Reload swaps in a view built from the new configuration. Pools whose
// address is unchanged move over untouched; new addresses get fresh pools;
// vanished addresses are shut down after the swap.
func (d *Databases) Reload(cfg *config.Config) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()

	old := d.snap.Load()
	next, err := d.build(cfg, old)
	if err != nil {
		return err
	}

	d.barrier.Lock()
	d.snap.Store(next)
	d.barrier.Unlock()

	// Shut down pools that did not carry over.
	for key, p := range old.pools {
		if np, kept := next.pools[key]; !kept || np != p {
			go p.Shutdown(5 * time.Second)
		}
	}
	slog.Info("database view reloaded", "clusters", len(next.clusters), "pools", len(next.pools))
	return nil
}

// PauseAll pauses every pool, or only the named database's pools.
func (d *Databases) PauseAll(database string) int {
	return d.forEachPool(database, func(p *Pool) { p.Pause() })
}

// ResumeAll resumes every pool, or only the named database's pools.
func (d *Databases) ResumeAll(database string) int {
	return d.forEachPool(database, func(p *Pool) { p.Resume() })
}

func (d *Databases) forEachPool(database string, fn func(*Pool)) int {
	v := d.snap.Load()
	n := 0
	for _, c := range v.clusters {
		if database != "" && c.Database != database {
			continue
		}
		for _, p := range c.Pools() {
			fn(p)
			n++
		}
	}
	return n
}

// Shutdown stops every pool.
func (d *Databases) Shutdown(wait time.Duration) {
	v := d.snap.Load()
	var wg sync.WaitGroup
	for _, p := range v.pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Shutdown(wait)
		}(p)
	}
	wg.Wait()
}

// build assembles a view from config, reusing pools from prev whose address
// needs no recreate.
func (d *Databases) build(cfg *config.Config, prev *view) (*view, error) {
	v := &view{
		clusters: map[clusterKey]*Cluster{},
		pools:    map[string]*Pool{},
	}

	hash := sharding.New(cfg.General.ShardingHash)

	// Collect the distinct logical database names.
	names := map[string]bool{}
	for _, db := range cfg.Databases {
		names[db.Name] = true
	}

	for _, u := range cfg.Users {
		dbs := []string{}
		if u.Database != "" {
			dbs = append(dbs, u.Database)
		} else {
			for name := range names {
				dbs = append(dbs, name)
			}
		}
		for _, name := range dbs {
			if !names[name] {
				continue
			}
			cluster, err := d.buildCluster(cfg, u, name, hash, prev, v)
			if err != nil {
				return nil, err
			}
			v.clusters[clusterKey{u.Name, name}] = cluster
		}
	}
	return v, nil
}

func (d *Databases) buildCluster(cfg *config.Config, u config.User, name string,
	hash sharding.HashFunction, prev, v *view) (*Cluster, error) {

	entries := cfg.DatabasesFor(name)
	shardCount := cfg.ShardCount(name)
	if shardCount == 0 {
		return nil, fmt.Errorf("backend: database %q has no entries", name)
	}

	poolSize := cfg.General.PoolSize
	if u.PoolSize > 0 {
		poolSize = u.PoolSize
	}
	poolCfg := PoolConfig{
		Min:                     cfg.General.MinPoolSize,
		Max:                     poolSize,
		ConnectTimeout:          cfg.General.ConnectTimeout.Duration,
		CheckoutTimeout:         cfg.General.CheckoutTimeout.Duration,
		HealthcheckTimeout:      cfg.General.HealthcheckTimeout.Duration,
		IdleHealthcheckInterval: cfg.General.IdleHealthcheckInterval.Duration,
		IdleHealthcheckDelay:    cfg.General.IdleHealthcheckDelay.Duration,
		BanTimeout:              cfg.General.BanTimeout.Duration,
	}

	shards := make([]*Shard, shardCount)
	for i := range shards {
		shards[i] = &Shard{}
	}

	for _, e := range entries {
		serverDB := e.ServerDatabase
		if serverDB == "" {
			serverDB = e.Name
		}
		user := u.Name
		password := u.Password
		if e.User != "" {
			user = e.User
			password = e.Password
		}
		addr := Address{
			Host:     e.Host,
			Port:     e.Port,
			Database: serverDB,
			User:     user,
			Password: password,
			Config:   poolCfg,
		}
		pool := d.adoptPool(addr, prev, v)

		sh := shards[e.Shard]
		switch e.Role {
		case config.RolePrimary:
			sh.Primary = pool
		case config.RoleReplica:
			if sh.Replicas == nil {
				sh.Replicas = NewReplicas(nil, cfg.General.LoadBalancingStrategy)
			}
			sh.Replicas = NewReplicas(append(sh.Replicas.Pools(), pool), cfg.General.LoadBalancingStrategy)
		}
	}

	tables := map[string]Table{}
	for _, st := range cfg.ShardedTables {
		if st.Database != "" && st.Database != name {
			continue
		}
		dt, err := sharding.ParseDataType(st.DataType)
		if err != nil {
			return nil, err
		}
		tables[st.Table] = Table{Column: st.Column, DataType: dt}
	}

	return &Cluster{
		User:       u.Name,
		Database:   name,
		Shards:     shards,
		Tables:     tables,
		Selector:   sharding.NewShards(shardCount, hash, nil),
		Password:   u.Password,
		PoolerMode: cfg.General.PoolerMode,
	}, nil
}

// adoptPool reuses a compatible pool from the previous view or creates one.
func (d *Databases) adoptPool(addr Address, prev, v *view) *Pool {
	key := addr.Key()
	if p, ok := v.pools[key]; ok {
		return p
	}
	if p, ok := prev.pools[key]; ok && !p.Addr().NeedRecreate(addr) {
		v.pools[key] = p
		return p
	}
	p := NewPool(addr, d.tlsConfig)
	v.pools[key] = p
	return p
}
