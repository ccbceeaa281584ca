package frontend

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shardgate/shardgate/internal/admin"
	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/config"
	"github.com/shardgate/shardgate/internal/router"
	"github.com/shardgate/shardgate/internal/wire"
)

// fakeBackend is a minimal PostgreSQL server good enough to pool against:
// trust auth, SELECT 1, syntax errors, transactions, and session cleanup.
type fakeBackend struct {
	ln net.Listener
	wg sync.WaitGroup

	mu      sync.Mutex
	queries []string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{ln: ln}
	fb.wg.Add(1)
	go fb.acceptLoop()
	t.Cleanup(fb.stop)
	return fb
}

func (fb *fakeBackend) port() int {
	return fb.ln.Addr().(*net.TCPAddr).Port
}

func (fb *fakeBackend) stop() {
	fb.ln.Close()
	fb.wg.Wait()
}

func (fb *fakeBackend) sawQuery(sql string) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, q := range fb.queries {
		if strings.Contains(q, sql) {
			return true
		}
	}
	return false
}

func (fb *fakeBackend) acceptLoop() {
	defer fb.wg.Done()
	for {
		conn, err := fb.ln.Accept()
		if err != nil {
			return
		}
		fb.wg.Add(1)
		go func() {
			defer fb.wg.Done()
			defer conn.Close()
			fb.serve(conn)
		}()
	}
}

func (fb *fakeBackend) serve(conn net.Conn) {
	if _, err := wire.ReadStartup(conn); err != nil {
		return
	}
	startupReplies := []wire.Message{
		wire.NewAuthenticationOK(),
		wire.NewParameterStatus("server_version", "15.0"),
		wire.NewBackendKeyData(4242, 777),
		wire.NewReadyForQuery('I'),
	}
	for _, m := range startupReplies {
		if err := wire.WriteMessage(conn, m); err != nil {
			return
		}
	}

	inTxn := false
	status := func() byte {
		if inTxn {
			return 'T'
		}
		return 'I'
	}

	for {
		m, err := wire.ReadMessage(conn)
		if err != nil {
			return
		}
		if m.Type == wire.MsgTerminate {
			return
		}
		if m.Type != wire.MsgQuery {
			continue
		}
		sql, err := wire.QueryString(m.Payload)
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.queries = append(fb.queries, sql)
		fb.mu.Unlock()

		upper := strings.ToUpper(strings.TrimSpace(sql))
		var replies []wire.Message
		switch {
		case strings.Contains(sql, "syntax_error"):
			replies = []wire.Message{
				wire.NewErrorResponse("ERROR", "42601", "syntax error at or near \"WHERE\""),
				wire.NewReadyForQuery(status()),
			}
		case upper == "SELECT 1":
			replies = []wire.Message{
				wire.NewRowDescription([]wire.Column{{Name: "?column?", TypeOID: 23, TypeSize: 4, TypeModifier: -1}}),
				wire.NewDataRow([][]byte{[]byte("1")}),
				wire.NewCommandComplete("SELECT 1"),
				wire.NewReadyForQuery(status()),
			}
		case upper == "BEGIN":
			inTxn = true
			replies = []wire.Message{
				wire.NewCommandComplete("BEGIN"),
				wire.NewReadyForQuery(status()),
			}
		case upper == "COMMIT" || upper == "ROLLBACK":
			inTxn = false
			replies = []wire.Message{
				wire.NewCommandComplete(strings.Fields(upper)[0]),
				wire.NewReadyForQuery('I'),
			}
		case upper == ";" || upper == "":
			replies = []wire.Message{
				wire.NewEmptyQueryResponse(),
				wire.NewReadyForQuery(status()),
			}
		default:
			replies = []wire.Message{
				wire.NewCommandComplete("SELECT 0"),
				wire.NewReadyForQuery(status()),
			}
		}
		for _, r := range replies {
			if err := wire.WriteMessage(conn, r); err != nil {
				return
			}
		}
	}
}

// testProxy boots a full proxy in front of one fake backend and returns
// the proxy's address plus the shared handler.
func testProxy(t *testing.T, fb *fakeBackend) (string, *Handler) {
	t.Helper()
	cfg := &config.Config{
		General: config.General{
			Host:                    "127.0.0.1",
			PoolSize:                2,
			ConnectTimeout:          config.Duration{Duration: 2 * time.Second},
			CheckoutTimeout:         config.Duration{Duration: 2 * time.Second},
			HealthcheckTimeout:      config.Duration{Duration: time.Second},
			IdleHealthcheckInterval: config.Duration{Duration: time.Hour},
			IdleHealthcheckDelay:    config.Duration{Duration: time.Hour},
			BanTimeout:              config.Duration{Duration: time.Minute},
			PoolerMode:              config.PoolerTransaction,
			AuthType:                config.AuthTrust,
			LoadBalancingStrategy:   config.BalanceRandom,
			AdminDatabase:           "admin",
			AdminPassword:           "adminpw",
		},
		Databases: []config.Database{
			{Name: "main", Host: "127.0.0.1", Port: fb.port(), Role: config.RolePrimary, Shard: 0},
		},
		Users: []config.User{
			{Name: "app", Password: "pw", Database: "main"},
		},
	}

	databases, err := backend.NewDatabases(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { databases.Shutdown(time.Second) })

	registry := NewRegistry()
	handler := &Handler{
		Databases: databases,
		Config:    func() *config.Config { return cfg },
		Registry:  registry,
		Prepared:  router.NewPreparedCache(),
		Admin: admin.New(admin.Deps{
			Config:    func() *config.Config { return cfg },
			Databases: databases,
			Clients:   registry.Snapshot,
			Reload:    func() error { return nil },
		}),
	}

	srv := NewServer(handler)
	if err := srv.Listen("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Stop(time.Second) })

	return srv.listener.Addr().String(), handler
}

// connectClient performs startup as app/main and consumes the auth replies.
func connectClient(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	if _, err := conn.Write(wire.NewStartup(map[string]string{
		"user":     "app",
		"database": "main",
	})); err != nil {
		t.Fatal(err)
	}
	readUntilReady(t, conn)
	return conn
}

// readUntilReady drains replies through the next ReadyForQuery.
func readUntilReady(t *testing.T, conn net.Conn) []wire.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	var msgs []wire.Message
	for {
		m, err := wire.ReadMessage(conn)
		if err != nil {
			t.Fatalf("reading replies: %v (got %d messages)", err, len(msgs))
		}
		msgs = append(msgs, m)
		if m.Type == wire.MsgReadyForQuery {
			return msgs
		}
	}
}

func query(t *testing.T, conn net.Conn, sql string) []wire.Message {
	t.Helper()
	if err := wire.WriteMessage(conn, wire.NewQuery(sql)); err != nil {
		t.Fatal(err)
	}
	return readUntilReady(t, conn)
}

func findType(msgs []wire.Message, typ byte) *wire.Message {
	for i := range msgs {
		if msgs[i].Type == typ {
			return &msgs[i]
		}
	}
	return nil
}

func TestProxySelectOne(t *testing.T) {
	fb := newFakeBackend(t)
	addr, _ := testProxy(t, fb)
	conn := connectClient(t, addr)

	msgs := query(t, conn, "SELECT 1")
	row := findType(msgs, wire.MsgDataRow)
	if row == nil {
		t.Fatal("no data row")
	}
	cells, err := wire.ParseDataRow(row.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(cells[0]) != "1" {
		t.Errorf("row = %q, want 1", cells[0])
	}
	last := msgs[len(msgs)-1]
	if wire.TxStatus(last.Payload) != 'I' {
		t.Errorf("status = %c, want I", wire.TxStatus(last.Payload))
	}
}

func TestProxySyntaxErrorKeepsClient(t *testing.T) {
	fb := newFakeBackend(t)
	addr, _ := testProxy(t, fb)
	conn := connectClient(t, addr)

	msgs := query(t, conn, "SELECT FROM syntax_error WHERE;")
	if findType(msgs, wire.MsgErrorResponse) == nil {
		t.Fatal("server error not relayed")
	}
	last := msgs[len(msgs)-1]
	if last.Type != wire.MsgReadyForQuery || wire.TxStatus(last.Payload) != 'I' {
		t.Fatalf("expected ReadyForQuery('I') after the error")
	}

	// The connection survives: the next query succeeds.
	msgs = query(t, conn, "SELECT 1")
	if findType(msgs, wire.MsgDataRow) == nil {
		t.Error("connection broken after a syntax error")
	}
}

func TestProxyFakeTransactions(t *testing.T) {
	fb := newFakeBackend(t)
	addr, handler := testProxy(t, fb)
	conn := connectClient(t, addr)

	msgs := query(t, conn, "BEGIN")
	cc := findType(msgs, wire.MsgCommandComplete)
	if cc == nil {
		t.Fatal("no CommandComplete for BEGIN")
	}
	if tag, _ := wire.CommandTag(cc.Payload); tag != "BEGIN" {
		t.Errorf("tag = %q", tag)
	}
	last := msgs[len(msgs)-1]
	if wire.TxStatus(last.Payload) != 'T' {
		t.Errorf("status after BEGIN = %c, want T", wire.TxStatus(last.Payload))
	}

	// No server was touched: the BEGIN is virtual.
	if fb.sawQuery("BEGIN") {
		t.Error("virtual BEGIN leaked to the backend")
	}

	// SHOW CLIENTS sees the virtual transaction. The state updates right
	// after the reply flushes, so poll briefly.
	waitForState := func(want string) {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			for _, c := range handler.Registry.Snapshot() {
				if c.Database == "main" && c.State == want {
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Errorf("client never reached state %q", want)
	}
	waitForState("idle in transaction")

	msgs = query(t, conn, "ROLLBACK")
	last = msgs[len(msgs)-1]
	if wire.TxStatus(last.Payload) != 'I' {
		t.Errorf("status after ROLLBACK = %c, want I", wire.TxStatus(last.Payload))
	}
	waitForState("idle")
}

func TestProxyRealTransactionHoldsServer(t *testing.T) {
	fb := newFakeBackend(t)
	addr, _ := testProxy(t, fb)
	conn := connectClient(t, addr)

	query(t, conn, "BEGIN")
	// The first statement inside the virtual transaction materializes it.
	query(t, conn, "SELECT 1")
	if !fb.sawQuery("BEGIN") {
		t.Error("materialized transaction should BEGIN on the server")
	}
	msgs := query(t, conn, "COMMIT")
	last := msgs[len(msgs)-1]
	if wire.TxStatus(last.Payload) != 'I' {
		t.Errorf("status after COMMIT = %c", wire.TxStatus(last.Payload))
	}
}

func TestProxySetAbsorbedWhileIdle(t *testing.T) {
	fb := newFakeBackend(t)
	addr, _ := testProxy(t, fb)
	conn := connectClient(t, addr)

	msgs := query(t, conn, "SET application_name = 'test'")
	cc := findType(msgs, wire.MsgCommandComplete)
	if cc == nil {
		t.Fatal("no CommandComplete for SET")
	}
	if tag, _ := wire.CommandTag(cc.Payload); tag != "SET" {
		t.Errorf("tag = %q", tag)
	}
	if fb.sawQuery("application_name") {
		t.Error("idle SET should not touch a server")
	}
}

func TestProxyBadUserRejected(t *testing.T) {
	fb := newFakeBackend(t)
	addr, _ := testProxy(t, fb)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write(wire.NewStartup(map[string]string{
		"user":     "ghost",
		"database": "main",
	})); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	m, err := wire.ReadMessage(conn)
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != wire.MsgErrorResponse {
		t.Fatalf("expected ErrorResponse, got %q", m.Type)
	}
	fields := wire.ErrorFields(m.Payload)
	if fields[wire.FieldCode] != "28P01" {
		t.Errorf("code = %q, want 28P01", fields[wire.FieldCode])
	}
	want := fmt.Sprintf("user %q and database %q is wrong, or the database does not exist", "ghost", "main")
	if fields[wire.FieldMessage] != want {
		t.Errorf("message = %q, want %q", fields[wire.FieldMessage], want)
	}
}

func TestProxyAdminDatabase(t *testing.T) {
	fb := newFakeBackend(t)
	addr, _ := testProxy(t, fb)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write(wire.NewStartup(map[string]string{
		"user":     "admin",
		"database": "admin",
	})); err != nil {
		t.Fatal(err)
	}
	readUntilReady(t, conn)

	msgs := query(t, conn, "SHOW VERSION")
	if findType(msgs, wire.MsgDataRow) == nil {
		t.Error("SHOW VERSION returned no rows")
	}
}
