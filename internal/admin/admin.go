// Package admin implements the virtual admin database: an in-process
// handler that answers a small SQL-lookalike command set with synthetic
// result sets.
package admin

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/config"
	"github.com/shardgate/shardgate/internal/wire"
)

// Version is reported by SHOW VERSION.
const Version = "shardgate 0.4.0"

// ClientInfo is one connected client as shown by SHOW CLIENTS.
type ClientInfo struct {
	ID          string
	User        string
	Database    string
	Addr        string
	State       string
	ConnectedAt time.Time
}

// Deps are the hooks the admin surface pulls on. Everything is injected so
// the package stays free of session internals.
type Deps struct {
	Config    func() *config.Config
	Databases *backend.Databases
	Clients   func() []ClientInfo
	Reload    func() error
	Reconnect func()
}

// Admin answers admin-database commands.
type Admin struct {
	deps Deps
}

// New creates the admin handler.
func New(deps Deps) *Admin {
	return &Admin{deps: deps}
}

// Handle parses one simple-query command and returns the reply messages,
// ending with ReadyForQuery. Unknown commands produce an ErrorResponse.
func (a *Admin) Handle(sql string) []wire.Message {
	words := strings.Fields(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if len(words) == 0 {
		return []wire.Message{wire.NewEmptyQueryResponse(), wire.NewReadyForQuery('I')}
	}

	switch strings.ToUpper(words[0]) {
	case "SHOW":
		if len(words) < 2 {
			return errReply("SHOW requires an argument")
		}
		switch strings.ToUpper(words[1]) {
		case "CONFIG":
			return a.showConfig()
		case "POOLS":
			return a.showPools()
		case "CLIENTS":
			return a.showClients()
		case "LISTS":
			return a.showLists()
		case "VERSION":
			return a.showVersion()
		default:
			return errReply(fmt.Sprintf("unknown SHOW target %q", words[1]))
		}
	case "PAUSE":
		db := ""
		if len(words) > 1 {
			db = words[1]
		}
		n := a.deps.Databases.PauseAll(db)
		return okReply(fmt.Sprintf("PAUSE %d", n))
	case "RESUME":
		db := ""
		if len(words) > 1 {
			db = words[1]
		}
		n := a.deps.Databases.ResumeAll(db)
		return okReply(fmt.Sprintf("RESUME %d", n))
	case "RELOAD":
		if err := a.deps.Reload(); err != nil {
			return errReply(fmt.Sprintf("reload failed: %s", err))
		}
		return okReply("RELOAD")
	case "RECONNECT":
		if a.deps.Reconnect != nil {
			a.deps.Reconnect()
		}
		return okReply("RECONNECT")
	default:
		return errReply(fmt.Sprintf("unknown admin command %q", words[0]))
	}
}

func textColumns(names ...string) []wire.Column {
	cols := make([]wire.Column, len(names))
	for i, n := range names {
		cols[i] = wire.Column{Name: n, TypeOID: 25, TypeSize: -1, TypeModifier: -1}
	}
	return cols
}

// result assembles RowDescription + DataRows + CommandComplete + 'Z'.
func result(cols []wire.Column, rows [][]string, tag string) []wire.Message {
	msgs := []wire.Message{wire.NewRowDescription(cols)}
	for _, row := range rows {
		cells := make([][]byte, len(row))
		for i, cell := range row {
			cells[i] = []byte(cell)
		}
		msgs = append(msgs, wire.NewDataRow(cells))
	}
	msgs = append(msgs, wire.NewCommandComplete(tag), wire.NewReadyForQuery('I'))
	return msgs
}

func okReply(tag string) []wire.Message {
	return []wire.Message{wire.NewCommandComplete(tag), wire.NewReadyForQuery('I')}
}

func errReply(msg string) []wire.Message {
	return []wire.Message{
		wire.NewErrorResponse("ERROR", "42601", msg),
		wire.NewReadyForQuery('I'),
	}
}

func (a *Admin) showConfig() []wire.Message {
	cfg := a.deps.Config().Redacted()
	g := cfg.General
	rows := [][]string{
		{"host", g.Host},
		{"port", strconv.Itoa(g.Port)},
		{"workers", strconv.Itoa(g.Workers)},
		{"pool_size", strconv.Itoa(g.PoolSize)},
		{"pooler_mode", string(g.PoolerMode)},
		{"auth_type", string(g.AuthType)},
		{"load_balancing_strategy", string(g.LoadBalancingStrategy)},
		{"checkout_timeout", g.CheckoutTimeout.Duration.String()},
		{"query_timeout", g.QueryTimeout.Duration.String()},
		{"healthcheck_interval", g.HealthcheckInterval.Duration.String()},
		{"ban_timeout", g.BanTimeout.Duration.String()},
		{"admin_database", g.AdminDatabase},
	}
	return result(textColumns("name", "value"), rows, fmt.Sprintf("SHOW %d", len(rows)))
}

func (a *Admin) showPools() []wire.Message {
	pools := a.deps.Databases.Pools()
	rows := make([][]string, 0, len(pools))
	for _, p := range pools {
		st := p.State()
		banned := ""
		if st.Banned {
			banned = string(st.BanReason)
		}
		rows = append(rows, []string{
			st.Addr.String(),
			strconv.Itoa(st.Idle),
			strconv.Itoa(st.CheckedOut),
			strconv.Itoa(st.Total),
			strconv.Itoa(st.Waiting),
			strconv.FormatBool(st.Paused),
			banned,
			strconv.FormatUint(st.Errors, 10),
			strconv.FormatUint(st.OutOfSync, 10),
		})
	}
	cols := textColumns("pool", "idle", "checked_out", "total", "waiting", "paused", "banned", "errors", "out_of_sync")
	return result(cols, rows, fmt.Sprintf("SHOW %d", len(rows)))
}

func (a *Admin) showClients() []wire.Message {
	clients := a.deps.Clients()
	rows := make([][]string, 0, len(clients))
	for _, c := range clients {
		rows = append(rows, []string{
			c.ID,
			c.User,
			c.Database,
			c.Addr,
			c.State,
			c.ConnectedAt.Format(time.RFC3339),
		})
	}
	cols := textColumns("id", "user", "database", "addr", "state", "connected_at")
	return result(cols, rows, fmt.Sprintf("SHOW %d", len(rows)))
}

func (a *Admin) showLists() []wire.Message {
	cfg := a.deps.Config()
	pools := a.deps.Databases.Pools()
	clients := a.deps.Clients()
	rows := [][]string{
		{"databases", strconv.Itoa(len(cfg.Databases))},
		{"users", strconv.Itoa(len(cfg.Users))},
		{"pools", strconv.Itoa(len(pools))},
		{"clients", strconv.Itoa(len(clients))},
	}
	return result(textColumns("list", "items"), rows, fmt.Sprintf("SHOW %d", len(rows)))
}

func (a *Admin) showVersion() []wire.Message {
	return result(textColumns("version"), [][]string{{Version}}, "SHOW 1")
}
