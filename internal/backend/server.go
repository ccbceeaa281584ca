package backend

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/shardgate/shardgate/internal/scram"
	"github.com/shardgate/shardgate/internal/wire"
)

// ErrAuth is wrapped by authentication failures during Connect.
var ErrAuth = errors.New("backend: authentication failed")

var nextServerID atomic.Uint64

// Server is one authenticated connection to a real backend. It tracks the
// session state the pool needs to decide whether the connection can be
// reused: transaction flag, dirty parameters, and the prepared statements
// replayed onto it.
type Server struct {
	id   uint64
	addr Address
	conn net.Conn

	params     map[string]string
	backendPID uint32
	backendKey uint32

	createdAt       time.Time
	lastUsed        time.Time
	lastHealthcheck time.Time

	inTransaction bool
	dirty         bool
	resetNeeded   bool
	prepared      map[string]bool

	stats ServerStats
}

// ServerStats counts traffic over the connection's lifetime.
type ServerStats struct {
	QueriesSent   uint64
	BytesSent     uint64
	BytesReceived uint64
	Healthchecks  uint64
}

// Connect opens, configures, and authenticates a server connection. The
// supported methods are trust, cleartext, md5, and SCRAM-SHA-256.
func Connect(ctx context.Context, addr Address, tlsConfig *tls.Config) (*Server, error) {
	dialer := net.Dialer{
		Timeout:   addr.Config.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	raw, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr.Host, fmt.Sprintf("%d", addr.Port)))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	if tc, ok := raw.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	conn := raw
	if tlsConfig != nil {
		conn, err = upgradeTLS(raw, addr, tlsConfig)
		if err != nil {
			raw.Close()
			return nil, err
		}
	}

	s := &Server{
		id:        nextServerID.Add(1),
		addr:      addr,
		conn:      conn,
		params:    make(map[string]string),
		prepared:  make(map[string]bool),
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}

	startupParams := map[string]string{
		"user":     addr.User,
		"database": addr.Database,
	}
	if _, err := conn.Write(wire.NewStartup(startupParams)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending startup message: %w", err)
	}

	if err := s.authenticate(); err != nil {
		conn.Close()
		return nil, err
	}

	slog.Debug("server connected", "server", s.id, "addr", addr.String())
	return s, nil
}

// upgradeTLS performs the SSLRequest dance and wraps the socket.
func upgradeTLS(raw net.Conn, addr Address, tlsConfig *tls.Config) (net.Conn, error) {
	if _, err := raw.Write(wire.NewSSLRequest()); err != nil {
		return nil, fmt.Errorf("sending ssl request: %w", err)
	}
	reply := make([]byte, 1)
	if _, err := raw.Read(reply); err != nil {
		return nil, fmt.Errorf("reading ssl reply: %w", err)
	}
	if reply[0] != 'S' {
		// Server refused TLS; continue in the clear.
		return raw, nil
	}
	tc := tls.Client(raw, tlsConfig)
	if err := tc.Handshake(); err != nil {
		return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}
	return tc, nil
}

// authenticate runs the startup reply loop until ReadyForQuery, answering
// whatever challenge the server issues.
func (s *Server) authenticate() error {
	var scramClient *scram.Client

	for {
		m, err := wire.ReadMessage(s.conn)
		if err != nil {
			return fmt.Errorf("reading auth reply: %w", err)
		}

		switch m.Type {
		case wire.MsgAuthentication:
			subtype, err := wire.AuthSubtype(m.Payload)
			if err != nil {
				return err
			}
			switch subtype {
			case wire.AuthOK:
				continue
			case wire.AuthCleartextPassword:
				if err := wire.WriteMessage(s.conn, wire.NewPassword(s.addr.Password)); err != nil {
					return fmt.Errorf("sending password: %w", err)
				}
			case wire.AuthMD5Password:
				if len(m.Payload) < 8 {
					return fmt.Errorf("%w: md5 challenge too short", ErrAuth)
				}
				hashed := md5Password(s.addr.User, s.addr.Password, m.Payload[4:8])
				if err := wire.WriteMessage(s.conn, wire.NewPassword(hashed)); err != nil {
					return fmt.Errorf("sending md5 password: %w", err)
				}
			case wire.AuthSASL:
				if !scram.Supported(scram.ParseMechanisms(m.Payload[4:])) {
					return fmt.Errorf("%w: server offers no supported SASL mechanism", ErrAuth)
				}
				scramClient, err = scram.NewClient(s.addr.User, s.addr.Password)
				if err != nil {
					return err
				}
				first := scramClient.First()
				if err := wire.WriteMessage(s.conn, wire.NewSASLInitialResponse(scram.Mechanism, first)); err != nil {
					return fmt.Errorf("sending sasl initial response: %w", err)
				}
			case wire.AuthSASLContinue:
				if scramClient == nil {
					return fmt.Errorf("%w: sasl continue outside exchange", ErrAuth)
				}
				final, err := scramClient.Final(m.Payload[4:])
				if err != nil {
					return fmt.Errorf("%w: %w", ErrAuth, err)
				}
				if err := wire.WriteMessage(s.conn, wire.NewSASLResponse(final)); err != nil {
					return fmt.Errorf("sending sasl response: %w", err)
				}
			case wire.AuthSASLFinal:
				if scramClient == nil {
					return fmt.Errorf("%w: sasl final outside exchange", ErrAuth)
				}
				if err := scramClient.Verify(m.Payload[4:]); err != nil {
					return fmt.Errorf("%w: %w", ErrAuth, err)
				}
			default:
				return fmt.Errorf("%w: unsupported auth type %d", ErrAuth, subtype)
			}

		case wire.MsgParameterStatus:
			key, val, err := wire.ParseParameterStatus(m.Payload)
			if err == nil {
				s.params[key] = val
			}

		case wire.MsgBackendKeyData:
			pid, key, err := wire.ParseBackendKeyData(m.Payload)
			if err == nil {
				s.backendPID = pid
				s.backendKey = key
			}

		case wire.MsgReadyForQuery:
			s.inTransaction = wire.TxStatus(m.Payload) != 'I'
			return nil

		case wire.MsgErrorResponse:
			fields := wire.ErrorFields(m.Payload)
			return fmt.Errorf("%w: %s", ErrAuth, fields[wire.FieldMessage])

		case wire.MsgNoticeResponse:
			continue

		default:
			continue
		}
	}
}

// md5Password computes "md5" + md5(md5(password + user) + salt).
func md5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}

// ID returns the connection's process-unique id.
func (s *Server) ID() uint64 { return s.id }

// Addr returns the address this connection serves.
func (s *Server) Addr() Address { return s.addr }

// Params returns the ParameterStatus map collected at startup.
func (s *Server) Params() map[string]string { return s.params }

// BackendKeyData returns the pid and secret key for CancelRequest.
func (s *Server) BackendKeyData() (pid, key uint32) { return s.backendPID, s.backendKey }

// Send writes one message to the server.
func (s *Server) Send(m wire.Message) error {
	s.lastUsed = time.Now()
	s.stats.BytesSent += uint64(len(m.Payload) + 5)
	s.observeOutgoing(m)
	return wire.WriteMessage(s.conn, m)
}

// SendAll writes a batch of messages.
func (s *Server) SendAll(msgs []wire.Message) error {
	for _, m := range msgs {
		if err := s.Send(m); err != nil {
			return err
		}
	}
	return nil
}

// Recv reads one message from the server, updating transaction state from
// any ReadyForQuery that passes through.
func (s *Server) Recv() (wire.Message, error) {
	m, err := wire.ReadMessage(s.conn)
	if err != nil {
		return wire.Message{}, err
	}
	s.stats.BytesReceived += uint64(len(m.Payload) + 5)
	if m.Type == wire.MsgReadyForQuery {
		s.inTransaction = wire.TxStatus(m.Payload) != 'I'
	}
	return m, nil
}

// SetDeadline sets the socket deadline for both directions.
func (s *Server) SetDeadline(t time.Time) error {
	return s.conn.SetDeadline(t)
}

// observeOutgoing tracks client messages that change reusability state.
func (s *Server) observeOutgoing(m wire.Message) {
	switch m.Type {
	case wire.MsgQuery:
		s.stats.QueriesSent++
		if sql, err := wire.QueryString(m.Payload); err == nil {
			if isDirtySet(sql) {
				s.dirty = true
			}
		}
	case wire.MsgParse:
		if p, err := wire.ParseParse(m.Payload); err == nil {
			if p.Name != "" {
				s.prepared[p.Name] = true
			}
			if isDirtySet(p.SQL) {
				s.dirty = true
			}
		}
	}
}

// isDirtySet reports whether sql is a SET that outlives the transaction.
// SET LOCAL resets at commit/rollback, so it never dirties the session.
func isDirtySet(sql string) bool {
	i := 0
	for i < len(sql) && (sql[i] == ' ' || sql[i] == '\t' || sql[i] == '\n' || sql[i] == '\r') {
		i++
	}
	rest := sql[i:]
	if len(rest) < 3 || !equalFold(rest[:3], "set") {
		return false
	}
	rest = rest[3:]
	j := 0
	for j < len(rest) && (rest[j] == ' ' || rest[j] == '\t' || rest[j] == '\n') {
		j++
	}
	rest = rest[j:]
	if len(rest) >= 5 && equalFold(rest[:5], "local") {
		return false
	}
	return true
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// InTransaction reports the flag from the last ReadyForQuery.
func (s *Server) InTransaction() bool { return s.inTransaction }

// Dirty reports whether a non-LOCAL SET ran since the last cleanup.
func (s *Server) Dirty() bool { return s.dirty }

// MarkReset requests a DISCARD ALL at the next cleanup.
func (s *Server) MarkReset() { s.resetNeeded = true }

// HasPrepared reports whether the named statement was replayed onto this
// connection.
func (s *Server) HasPrepared(name string) bool { return s.prepared[name] }

// ForgetPrepared removes a statement from the replay set.
func (s *Server) ForgetPrepared(name string) { delete(s.prepared, name) }

// LastUsed returns the time of the last send.
func (s *Server) LastUsed() time.Time { return s.lastUsed }

// LastHealthcheck returns when the last probe ran.
func (s *Server) LastHealthcheck() time.Time { return s.lastHealthcheck }

// Stats returns lifetime counters.
func (s *Server) Stats() ServerStats { return s.stats }

// Healthcheck sends a no-op query and waits for ReadyForQuery within the
// timeout. Any error or unexpected reply fails the probe.
func (s *Server) Healthcheck(probe string, timeout time.Duration) error {
	if probe == "" {
		probe = ";"
	}
	s.stats.Healthchecks++
	s.conn.SetDeadline(time.Now().Add(timeout))
	defer s.conn.SetDeadline(time.Time{})

	if err := wire.WriteMessage(s.conn, wire.NewQuery(probe)); err != nil {
		return fmt.Errorf("healthcheck write: %w", err)
	}
	for {
		m, err := wire.ReadMessage(s.conn)
		if err != nil {
			return fmt.Errorf("healthcheck read: %w", err)
		}
		switch m.Type {
		case wire.MsgReadyForQuery:
			s.lastHealthcheck = time.Now()
			s.inTransaction = wire.TxStatus(m.Payload) != 'I'
			return nil
		case wire.MsgErrorResponse:
			fields := wire.ErrorFields(m.Payload)
			return fmt.Errorf("healthcheck error: %s", fields[wire.FieldMessage])
		case wire.MsgEmptyQueryResponse, wire.MsgCommandComplete,
			wire.MsgNoticeResponse, wire.MsgParameterStatus, wire.MsgNotificationResponse:
			continue
		default:
			return fmt.Errorf("healthcheck: unexpected reply %q", m.Type)
		}
	}
}

// Cleanup restores the session to a reusable state: RESET ALL when dirty,
// DISCARD ALL when a reset was requested. A failure disqualifies the
// connection from returning to the pool.
func (s *Server) Cleanup(timeout time.Duration) error {
	var stmts []string
	if s.dirty {
		stmts = append(stmts, "RESET ALL")
	}
	if s.resetNeeded {
		stmts = append(stmts, "DISCARD ALL")
	}
	if len(stmts) == 0 {
		return nil
	}

	s.conn.SetDeadline(time.Now().Add(timeout))
	defer s.conn.SetDeadline(time.Time{})

	for _, stmt := range stmts {
		if err := wire.WriteMessage(s.conn, wire.NewQuery(stmt)); err != nil {
			return fmt.Errorf("cleanup write: %w", err)
		}
		for {
			m, err := wire.ReadMessage(s.conn)
			if err != nil {
				return fmt.Errorf("cleanup read: %w", err)
			}
			if m.Type == wire.MsgErrorResponse {
				fields := wire.ErrorFields(m.Payload)
				return fmt.Errorf("cleanup %s: %s", stmt, fields[wire.FieldMessage])
			}
			if m.Type == wire.MsgReadyForQuery {
				if wire.TxStatus(m.Payload) != 'I' {
					return fmt.Errorf("cleanup: unexpected transaction state %c", wire.TxStatus(m.Payload))
				}
				break
			}
		}
	}

	if s.resetNeeded {
		// DISCARD ALL dropped every prepared statement on the session.
		s.prepared = make(map[string]bool)
	}
	s.dirty = false
	s.resetNeeded = false
	return nil
}

// Cancel opens a throwaway socket to the backend and fires a CancelRequest
// with the stored key data. Used when a client abandons a query in flight.
func (s *Server) Cancel() error {
	if s.backendPID == 0 && s.backendKey == 0 {
		return fmt.Errorf("backend: no key data for cancel")
	}
	conn, err := net.DialTimeout("tcp",
		net.JoinHostPort(s.addr.Host, fmt.Sprintf("%d", s.addr.Port)), 2*time.Second)
	if err != nil {
		return fmt.Errorf("cancel dial: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write(wire.NewCancelRequest(s.backendPID, s.backendKey)); err != nil {
		return fmt.Errorf("cancel write: %w", err)
	}
	return nil
}

// Close closes the socket.
func (s *Server) Close() error {
	return s.conn.Close()
}

// newTestServer constructs a Server around an in-memory pipe without
// authentication. Test hook only.
func newTestServer(conn net.Conn, addr Address) *Server {
	return &Server{
		id:        nextServerID.Add(1),
		addr:      addr,
		conn:      conn,
		params:    make(map[string]string),
		prepared:  make(map[string]bool),
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}
}
