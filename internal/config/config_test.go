package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleConfig = `
[general]
host = "0.0.0.0"
port = 6432
pool_size = 15
pooler_mode = "transaction"
auth_type = "scram"
load_balancing_strategy = "round_robin"
checkout_timeout = "5s"
ban_timeout = "300s"
admin_password = "secret"

[[databases]]
name = "orders"
host = "10.0.0.1"
role = "primary"
shard = 0

[[databases]]
name = "orders"
host = "10.0.0.2"
role = "replica"
shard = 0

[[databases]]
name = "orders"
host = "10.0.1.1"
role = "primary"
shard = 1

[[sharded_tables]]
database = "orders"
table = "sharded"
column = "id"
data_type = "bigint"
`

const sampleUsers = `
[[users]]
name = "app"
password = "apppw"
database = "orders"
`

func loadSample(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "shardgate.toml", sampleConfig)
	usersPath := writeFile(t, dir, "users.toml", sampleUsers)
	cfg, err := Load(cfgPath, usersPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestLoadSample(t *testing.T) {
	cfg := loadSample(t)

	if cfg.General.Port != 6432 {
		t.Errorf("port = %d", cfg.General.Port)
	}
	if cfg.General.PoolSize != 15 {
		t.Errorf("pool_size = %d", cfg.General.PoolSize)
	}
	if cfg.General.CheckoutTimeout.Duration != 5*time.Second {
		t.Errorf("checkout_timeout = %s", cfg.General.CheckoutTimeout.Duration)
	}
	if cfg.General.BanTimeout.Duration != 300*time.Second {
		t.Errorf("ban_timeout = %s", cfg.General.BanTimeout.Duration)
	}
	if len(cfg.Databases) != 3 {
		t.Fatalf("databases = %d", len(cfg.Databases))
	}
	if len(cfg.Users) != 1 {
		t.Fatalf("users = %d", len(cfg.Users))
	}
	if cfg.ShardCount("orders") != 2 {
		t.Errorf("shard count = %d", cfg.ShardCount("orders"))
	}
}

func TestDefaultsApplied(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "min.toml", `
[[databases]]
name = "db"
host = "localhost"
`)
	cfg, err := Load(cfgPath, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.General.Port != 6432 {
		t.Errorf("default port = %d", cfg.General.Port)
	}
	if cfg.General.PoolerMode != PoolerTransaction {
		t.Errorf("default pooler mode = %q", cfg.General.PoolerMode)
	}
	if cfg.General.AuthType != AuthSCRAM {
		t.Errorf("default auth type = %q", cfg.General.AuthType)
	}
	if cfg.General.AdminDatabase != "admin" {
		t.Errorf("default admin database = %q", cfg.General.AdminDatabase)
	}
	if cfg.General.BanTimeout.Duration != 5*time.Minute {
		t.Errorf("default ban timeout = %s", cfg.General.BanTimeout.Duration)
	}
	if cfg.Databases[0].Port != 5432 {
		t.Errorf("default database port = %d", cfg.Databases[0].Port)
	}
	if cfg.Databases[0].Role != RolePrimary {
		t.Errorf("default role = %q", cfg.Databases[0].Role)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad pooler mode": `
[general]
pooler_mode = "statement"
[[databases]]
name = "db"
host = "h"
`,
		"bad role": `
[[databases]]
name = "db"
host = "h"
role = "standby"
`,
		"missing host": `
[[databases]]
name = "db"
`,
		"unknown user database": `
[[databases]]
name = "db"
host = "h"
[[users]]
name = "u"
database = "other"
`,
	}
	for name, content := range cases {
		dir := t.TempDir()
		path := writeFile(t, dir, "bad.toml", content)
		if _, err := Load(path, ""); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("SHARDGATE_TEST_PW", "frompenv")
	dir := t.TempDir()
	path := writeFile(t, dir, "env.toml", `
[[databases]]
name = "db"
host = "h"
password = "${SHARDGATE_TEST_PW}"
`)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Databases[0].Password != "frompenv" {
		t.Errorf("password = %q", cfg.Databases[0].Password)
	}
}

func TestUserFor(t *testing.T) {
	cfg := loadSample(t)

	u, ok := cfg.UserFor("app", "orders")
	if !ok || u.Password != "apppw" {
		t.Errorf("UserFor(app, orders) = %+v, %v", u, ok)
	}
	if _, ok := cfg.UserFor("ghost", "orders"); ok {
		t.Error("unknown user should not resolve")
	}
}

func TestTableFor(t *testing.T) {
	cfg := loadSample(t)

	st, ok := cfg.TableFor("orders", "sharded")
	if !ok || st.Column != "id" {
		t.Errorf("TableFor = %+v, %v", st, ok)
	}
	if _, ok := cfg.TableFor("orders", "unsharded"); ok {
		t.Error("unsharded table should not resolve")
	}
}

func TestRedacted(t *testing.T) {
	cfg := loadSample(t)
	red := cfg.Redacted()
	if red.General.AdminPassword == "secret" {
		t.Error("admin password not redacted")
	}
	for _, u := range red.Users {
		if u.Password == "apppw" {
			t.Error("user password not redacted")
		}
	}
	// The original is untouched.
	if cfg.Users[0].Password != "apppw" {
		t.Error("redaction mutated the original config")
	}
}
