// Package backend owns everything on the server side of the proxy: the
// authenticated server connection, the per-address pool with its maintenance
// loop, replica selection, and the cluster view handed to sessions.
package backend

import (
	"fmt"
	"net"
	"time"
)

// Address identifies one backend endpoint for one (user, database) pair,
// together with the pool settings attached to it.
type Address struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string

	Config PoolConfig
}

// PoolConfig are the tunables of one pool.
type PoolConfig struct {
	Min                     int
	Max                     int
	ConnectTimeout          time.Duration
	CheckoutTimeout         time.Duration
	HealthcheckTimeout      time.Duration
	IdleHealthcheckInterval time.Duration
	IdleHealthcheckDelay    time.Duration
	BanTimeout              time.Duration
}

// String renders the address as user/database@host:port.
func (a Address) String() string {
	return fmt.Sprintf("%s/%s@%s", a.User, a.Database, net.JoinHostPort(a.Host, fmt.Sprintf("%d", a.Port)))
}

// Key is the pool identity: two addresses share a pool iff host, port,
// database, and user all match.
func (a Address) Key() string {
	return fmt.Sprintf("%s:%d:%s:%s", a.Host, a.Port, a.Database, a.User)
}

// NeedRecreate reports whether switching to the new address requires
// rebuilding the pool. A changed password rebuilds; pool-config changes
// alone do not.
func (a Address) NeedRecreate(b Address) bool {
	return a.Key() != b.Key() || a.Password != b.Password
}
