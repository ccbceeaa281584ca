// Package config loads and validates the proxy configuration: the main
// shardgate.toml and the users.toml credential file. The live configuration
// is an immutable snapshot swapped atomically on reload.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// PoolerMode selects how long a client holds a server lease.
type PoolerMode string

const (
	PoolerTransaction PoolerMode = "transaction"
	PoolerSession     PoolerMode = "session"
)

// Role marks a database entry as primary or replica.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// AuthType selects how connecting clients must authenticate.
type AuthType string

const (
	AuthTrust     AuthType = "trust"
	AuthCleartext AuthType = "cleartext"
	AuthMD5       AuthType = "md5"
	AuthSCRAM     AuthType = "scram"
)

// LoadBalancing selects the replica-picking policy.
type LoadBalancing string

const (
	BalanceRandom           LoadBalancing = "random"
	BalanceRoundRobin       LoadBalancing = "round_robin"
	BalanceLeastOutstanding LoadBalancing = "least_outstanding"
)

// Duration wraps time.Duration so TOML can carry it as milliseconds or a
// Go duration string ("5s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if ms, err := time.ParseDuration(s); err == nil {
		d.Duration = ms
		return nil
	}
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err == nil {
		d.Duration = time.Duration(ms) * time.Millisecond
		return nil
	}
	return fmt.Errorf("config: cannot parse duration %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// General holds the [general] section.
type General struct {
	Host                     string        `toml:"host"`
	Port                     int           `toml:"port"`
	Workers                  int           `toml:"workers"`
	PoolSize                 int           `toml:"pool_size"`
	MinPoolSize              int           `toml:"min_pool_size"`
	ConnectTimeout           Duration      `toml:"connect_timeout"`
	CheckoutTimeout          Duration      `toml:"checkout_timeout"`
	QueryTimeout             Duration      `toml:"query_timeout"`
	HealthcheckInterval      Duration      `toml:"healthcheck_interval"`
	HealthcheckTimeout       Duration      `toml:"healthcheck_timeout"`
	IdleHealthcheckInterval  Duration      `toml:"idle_healthcheck_interval"`
	IdleHealthcheckDelay     Duration      `toml:"idle_healthcheck_delay"`
	IdleInTransactionTimeout Duration      `toml:"idle_in_transaction_timeout"`
	BanTimeout               Duration      `toml:"ban_timeout"`
	ShutdownTimeout          Duration      `toml:"shutdown_timeout"`
	PoolerMode               PoolerMode    `toml:"pooler_mode"`
	AuthType                 AuthType      `toml:"auth_type"`
	LoadBalancingStrategy    LoadBalancing `toml:"load_balancing_strategy"`
	ShardingHash             string        `toml:"sharding_hash"`
	AdminDatabase            string        `toml:"admin_database"`
	AdminPassword            string        `toml:"admin_password"`
	APIPort                  int           `toml:"api_port"`
	APIBind                  string        `toml:"api_bind"`
	TLSCert                  string        `toml:"tls_server_certificate"`
	TLSKey                   string        `toml:"tls_server_key"`
}

// TLSEnabled reports whether server TLS material is configured.
func (g General) TLSEnabled() bool {
	return g.TLSCert != "" && g.TLSKey != ""
}

// Database is one [[databases]] entry: a backend address serving a named
// logical database, with a role and an optional shard number.
type Database struct {
	Name     string `toml:"name"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Role     Role   `toml:"role"`
	Shard    int    `toml:"shard"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	// ServerDatabase overrides the database name on the backend when the
	// logical name differs from the physical one.
	ServerDatabase string `toml:"server_database"`
}

// ShardedTable is one [[sharded_tables]] entry.
type ShardedTable struct {
	Database string `toml:"database"`
	Table    string `toml:"table"`
	Column   string `toml:"column"`
	DataType string `toml:"data_type"`
}

// User is one [[users]] entry from users.toml.
type User struct {
	Name     string `toml:"name"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	// PoolSize overrides general.pool_size for this user's pools.
	PoolSize int `toml:"pool_size"`
}

// Config is the full parsed configuration.
type Config struct {
	General       General        `toml:"general"`
	Databases     []Database     `toml:"databases"`
	ShardedTables []ShardedTable `toml:"sharded_tables"`
	Users         []User         `toml:"users"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads the main config and the users file, substitutes environment
// variables, validates, and applies defaults.
func Load(path, usersPath string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if usersPath != "" {
		udata, err := os.ReadFile(usersPath)
		if err != nil {
			return nil, fmt.Errorf("reading users file: %w", err)
		}
		udata = substituteEnvVars(udata)
		var users Config
		if err := toml.Unmarshal(udata, &users); err != nil {
			return nil, fmt.Errorf("parsing users file: %w", err)
		}
		cfg.Users = append(cfg.Users, users.Users...)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	g := &cfg.General
	if g.Host == "" {
		g.Host = "0.0.0.0"
	}
	if g.Port == 0 {
		g.Port = 6432
	}
	if g.PoolSize == 0 {
		g.PoolSize = 10
	}
	if g.ConnectTimeout.Duration == 0 {
		g.ConnectTimeout.Duration = 5 * time.Second
	}
	if g.CheckoutTimeout.Duration == 0 {
		g.CheckoutTimeout.Duration = 5 * time.Second
	}
	if g.HealthcheckInterval.Duration == 0 {
		g.HealthcheckInterval.Duration = 30 * time.Second
	}
	if g.HealthcheckTimeout.Duration == 0 {
		g.HealthcheckTimeout.Duration = 5 * time.Second
	}
	if g.IdleHealthcheckInterval.Duration == 0 {
		g.IdleHealthcheckInterval.Duration = 30 * time.Second
	}
	if g.IdleHealthcheckDelay.Duration == 0 {
		g.IdleHealthcheckDelay.Duration = 5 * time.Second
	}
	if g.BanTimeout.Duration == 0 {
		g.BanTimeout.Duration = 5 * time.Minute
	}
	if g.ShutdownTimeout.Duration == 0 {
		g.ShutdownTimeout.Duration = 30 * time.Second
	}
	if g.PoolerMode == "" {
		g.PoolerMode = PoolerTransaction
	}
	if g.AuthType == "" {
		g.AuthType = AuthSCRAM
	}
	if g.LoadBalancingStrategy == "" {
		g.LoadBalancingStrategy = BalanceRandom
	}
	if g.AdminDatabase == "" {
		g.AdminDatabase = "admin"
	}
	if g.APIBind == "" {
		g.APIBind = "127.0.0.1"
	}
	for i := range cfg.Databases {
		if cfg.Databases[i].Port == 0 {
			cfg.Databases[i].Port = 5432
		}
		if cfg.Databases[i].Role == "" {
			cfg.Databases[i].Role = RolePrimary
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.General.PoolerMode {
	case PoolerTransaction, PoolerSession:
	default:
		return fmt.Errorf("general: unsupported pooler_mode %q", cfg.General.PoolerMode)
	}
	switch cfg.General.AuthType {
	case AuthTrust, AuthCleartext, AuthMD5, AuthSCRAM:
	default:
		return fmt.Errorf("general: unsupported auth_type %q", cfg.General.AuthType)
	}
	switch cfg.General.LoadBalancingStrategy {
	case BalanceRandom, BalanceRoundRobin, BalanceLeastOutstanding:
	default:
		return fmt.Errorf("general: unsupported load_balancing_strategy %q", cfg.General.LoadBalancingStrategy)
	}
	names := make(map[string]bool)
	for i, db := range cfg.Databases {
		if db.Name == "" {
			return fmt.Errorf("databases[%d]: name is required", i)
		}
		if db.Host == "" {
			return fmt.Errorf("databases[%d] (%s): host is required", i, db.Name)
		}
		switch db.Role {
		case RolePrimary, RoleReplica:
		default:
			return fmt.Errorf("databases[%d] (%s): unsupported role %q", i, db.Name, db.Role)
		}
		if db.Shard < 0 {
			return fmt.Errorf("databases[%d] (%s): negative shard", i, db.Name)
		}
		names[db.Name] = true
	}
	for i, u := range cfg.Users {
		if u.Name == "" {
			return fmt.Errorf("users[%d]: name is required", i)
		}
		if u.Database != "" && !names[u.Database] && u.Database != cfg.General.AdminDatabase {
			return fmt.Errorf("users[%d] (%s): unknown database %q", i, u.Name, u.Database)
		}
	}
	for i, st := range cfg.ShardedTables {
		if st.Table == "" || st.Column == "" {
			return fmt.Errorf("sharded_tables[%d]: table and column are required", i)
		}
		if st.DataType == "" {
			return fmt.Errorf("sharded_tables[%d] (%s): data_type is required", i, st.Table)
		}
	}
	return nil
}

// UserFor finds the user entry matching name and database. An entry with an
// empty database matches any database.
func (c *Config) UserFor(name, database string) (User, bool) {
	var fallback *User
	for i := range c.Users {
		u := &c.Users[i]
		if u.Name != name {
			continue
		}
		if u.Database == database {
			return *u, true
		}
		if u.Database == "" && fallback == nil {
			fallback = u
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return User{}, false
}

// DatabasesFor returns the [[databases]] entries for a logical database in
// configuration order; they are not grouped by shard or role.
func (c *Config) DatabasesFor(name string) []Database {
	var out []Database
	for _, db := range c.Databases {
		if db.Name == name {
			out = append(out, db)
		}
	}
	return out
}

// ShardCount returns the number of shards configured for a logical database.
func (c *Config) ShardCount(name string) int {
	max := -1
	for _, db := range c.Databases {
		if db.Name == name && db.Shard > max {
			max = db.Shard
		}
	}
	return max + 1
}

// TableFor finds the sharded-table entry for a table name, honoring
// per-database scoping.
func (c *Config) TableFor(database, table string) (ShardedTable, bool) {
	table = strings.ToLower(table)
	for _, st := range c.ShardedTables {
		if !strings.EqualFold(st.Table, table) {
			continue
		}
		if st.Database == "" || st.Database == database {
			return st, true
		}
	}
	return ShardedTable{}, false
}

// Redacted returns a copy with passwords masked for SHOW CONFIG and logs.
func (c *Config) Redacted() *Config {
	out := *c
	out.General.AdminPassword = mask(c.General.AdminPassword)
	out.Databases = append([]Database(nil), c.Databases...)
	for i := range out.Databases {
		out.Databases[i].Password = mask(out.Databases[i].Password)
	}
	out.Users = append([]User(nil), c.Users...)
	for i := range out.Users {
		out.Users[i].Password = mask(out.Users[i].Password)
	}
	return &out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***REDACTED***"
}
