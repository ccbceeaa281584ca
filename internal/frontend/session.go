package frontend

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shardgate/shardgate/internal/admin"
	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/config"
	"github.com/shardgate/shardgate/internal/metrics"
	"github.com/shardgate/shardgate/internal/router"
	"github.com/shardgate/shardgate/internal/sharding"
	"github.com/shardgate/shardgate/internal/wire"
)

// Handler owns the shared pieces every session needs.
type Handler struct {
	Databases *backend.Databases
	Config    func() *config.Config
	Metrics   *metrics.Collector
	Registry  *Registry
	Prepared  *router.PreparedCache
	Admin     *admin.Admin
	TLSConfig *tls.Config
}

// session is the per-client state machine. All fields are task-local.
type session struct {
	h      *Handler
	client net.Conn
	ctx    context.Context

	user       string
	database   string
	params     map[string]string
	searchPath string

	cluster  *backend.Cluster
	entry    *clientEntry
	prepared *router.SessionPrepared

	buffer  wire.Buffer
	counter wire.Counter

	// guards are the held leases, one per shard.
	guards map[int]*backend.Guard
	// virtualTxn tracks a BEGIN absorbed without a server.
	virtualTxn bool
	// realTxn tracks an open transaction on the held servers.
	realTxn bool
	// wroteInTxn pins in-transaction reads to the primary.
	wroteInTxn bool
	// midRequest is set between a Flush-terminated segment and its Sync;
	// the lease must survive it.
	midRequest bool
	// txnStart stamps the checkout for the transaction metrics.
	txnStart time.Time
}

// Handle processes one client connection from startup to close.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) error {
	s := &session{
		h:      h,
		client: conn,
		ctx:    ctx,
		params: make(map[string]string),
		guards: make(map[int]*backend.Guard),
	}
	return s.run()
}

func (s *session) run() error {
	startup, err := s.negotiateStartup()
	if err != nil {
		return err
	}
	if startup == nil {
		// CancelRequest connections end after delivering the request.
		return nil
	}

	if err := s.applyStartup(startup); err != nil {
		return err
	}

	cfg := s.h.Config()
	if s.database == cfg.General.AdminDatabase {
		return s.runAdmin(cfg)
	}

	cluster, err := s.h.Databases.Get(s.user, s.database)
	if err != nil {
		s.rejectAuth()
		return fmt.Errorf("frontend: %s/%s: %w", s.user, s.database, err)
	}
	s.cluster = cluster

	if err := authenticateClient(s.client, cfg.General.AuthType, s.user, s.database, cluster.Password); err != nil {
		if s.h.Metrics != nil {
			s.h.Metrics.AuthFailure(s.user, s.database)
		}
		s.rejectAuth()
		return fmt.Errorf("frontend: auth %s/%s: %w", s.user, s.database, err)
	}

	s.prepared = router.NewSessionPrepared(s.h.Prepared)
	if err := s.completeStartup(); err != nil {
		return err
	}
	defer s.teardown()

	if s.h.Metrics != nil {
		s.h.Metrics.ClientConnected(s.user, s.database, 1)
		defer s.h.Metrics.ClientConnected(s.user, s.database, -1)
	}

	return s.loop()
}

// negotiateStartup reads startup frames, answering SSLRequest and routing
// CancelRequest, until a real StartupMessage arrives.
func (s *session) negotiateStartup() (*wire.Startup, error) {
	const maxSSLAttempts = 3
	for attempt := 0; attempt <= maxSSLAttempts; attempt++ {
		payload, err := wire.ReadStartup(s.client)
		if err != nil {
			return nil, fmt.Errorf("frontend: reading startup: %w", err)
		}

		if wire.IsSSLRequest(payload) {
			if s.h.TLSConfig != nil {
				if _, err := s.client.Write([]byte{'S'}); err != nil {
					return nil, err
				}
				tlsConn := tls.Server(s.client, s.h.TLSConfig)
				if err := tlsConn.Handshake(); err != nil {
					return nil, fmt.Errorf("frontend: tls handshake: %w", err)
				}
				s.client = tlsConn
			} else {
				if _, err := s.client.Write([]byte{'N'}); err != nil {
					return nil, err
				}
			}
			continue
		}

		if wire.IsCancelRequest(payload) {
			pid, key, err := wire.ParseCancelRequest(payload)
			if err == nil {
				s.h.Registry.Cancel(pid, key)
			}
			return nil, nil
		}

		startup, err := wire.ParseStartup(payload)
		if err != nil {
			return nil, err
		}
		if startup.Version != wire.ProtocolVersion {
			return nil, fmt.Errorf("frontend: unsupported protocol version %d", startup.Version)
		}
		return &startup, nil
	}
	return nil, fmt.Errorf("frontend: too many ssl negotiation attempts")
}

// applyStartup validates and stores the startup parameters.
func (s *session) applyStartup(startup *wire.Startup) error {
	s.params = startup.Params
	s.user = startup.Params["user"]
	if s.user == "" {
		s.sendError("FATAL", "08P01", "startup message missing user")
		return fmt.Errorf("frontend: startup missing user")
	}
	s.database = startup.Params["database"]
	if s.database == "" {
		s.database = s.user
	}
	if enc, ok := startup.Params["client_encoding"]; ok {
		norm := strings.ToUpper(strings.ReplaceAll(enc, "-", ""))
		if norm != "UTF8" {
			s.sendError("FATAL", "08P01", fmt.Sprintf("unsupported client_encoding %q", enc))
			return fmt.Errorf("frontend: unsupported client_encoding %q", enc)
		}
	}
	if opts, ok := startup.Params["options"]; ok {
		for k, v := range parseOptions(opts) {
			s.params[k] = v
		}
	}
	if sp, ok := s.params["search_path"]; ok {
		s.searchPath = sp
	}
	return nil
}

// parseOptions parses "-c key=value" pairs from the options parameter.
func parseOptions(options string) map[string]string {
	out := make(map[string]string)
	fields := strings.Fields(options)
	for i := 0; i < len(fields); i++ {
		kv := ""
		if fields[i] == "-c" && i+1 < len(fields) {
			kv = fields[i+1]
			i++
		} else if strings.HasPrefix(fields[i], "-c") && len(fields[i]) > 2 {
			kv = fields[i][2:]
		}
		if kv == "" {
			continue
		}
		if eq := strings.IndexByte(kv, '='); eq > 0 {
			out[kv[:eq]] = kv[eq+1:]
		}
	}
	return out
}

// rejectAuth sends the canonical authentication failure. The wording is an
// external contract.
func (s *session) rejectAuth() {
	s.sendError("FATAL", "28P01", authErrorMessage(s.user, s.database))
}

// completeStartup sends the synthetic post-auth sequence and registers the
// client.
func (s *session) completeStartup() error {
	var keyBuf [4]byte
	if _, err := rand.Read(keyBuf[:]); err != nil {
		return err
	}
	key := binary.BigEndian.Uint32(keyBuf[:])

	s.entry = s.h.Registry.register(s.user, s.database, s.client.RemoteAddr().String(), key, s.cancelInFlight)

	msgs := []wire.Message{
		wire.NewAuthenticationOK(),
		wire.NewParameterStatus("server_version", "15.0"),
		wire.NewParameterStatus("server_encoding", "UTF8"),
		wire.NewParameterStatus("client_encoding", "UTF8"),
		wire.NewParameterStatus("DateStyle", "ISO, MDY"),
		wire.NewParameterStatus("integer_datetimes", "on"),
		wire.NewParameterStatus("standard_conforming_strings", "on"),
		wire.NewBackendKeyData(s.entry.cancelPID, s.entry.cancelKey),
		wire.NewReadyForQuery('I'),
	}
	for _, m := range msgs {
		if err := wire.WriteMessage(s.client, m); err != nil {
			return err
		}
	}
	return nil
}

// cancelInFlight fires CancelRequest at every held server. Called from the
// registry when the client's CancelRequest arrives on a second connection.
func (s *session) cancelInFlight() {
	for _, g := range s.guards {
		if err := g.Server().Cancel(); err != nil {
			slog.Debug("cancel forward failed", "err", err)
		}
	}
}

// teardown runs when the session ends for any reason: leases are returned
// clean or disposed, never leaked.
func (s *session) teardown() {
	if s.counter.Done() && !s.realTxn {
		s.releaseGuards(true)
	} else {
		// Mid-query or mid-transaction disconnect: cancel and dispose.
		for shard, g := range s.guards {
			g.Dispose()
			delete(s.guards, shard)
		}
	}
	if s.entry != nil {
		s.h.Registry.unregister(s.entry)
	}
}

// loop is the idle-state read loop: accumulate one request, dispatch it.
func (s *session) loop() error {
	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}

		idleTxnTimeout := s.h.Config().General.IdleInTransactionTimeout.Duration
		if idleTxnTimeout > 0 && (s.realTxn || s.virtualTxn) && s.buffer.Len() == 0 {
			s.client.SetReadDeadline(time.Now().Add(idleTxnTimeout))
		} else {
			s.client.SetReadDeadline(time.Time{})
		}

		m, err := wire.ReadMessage(s.client)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if isTimeout(err) && (s.realTxn || s.virtualTxn) {
				// The server terminates idle-in-transaction sessions; so
				// does the proxy, discarding the held servers without
				// sending ROLLBACK (closing them aborts the transaction).
				s.sendError("FATAL", "25P03", "terminating connection due to idle-in-transaction timeout")
				s.releaseGuards(false)
				s.realTxn = false
				s.virtualTxn = false
				return fmt.Errorf("frontend: idle-in-transaction timeout")
			}
			return err
		}

		if m.Type == wire.MsgTerminate {
			return nil
		}

		s.buffer.Push(m)
		if !s.buffer.Full() {
			continue
		}
		q, _ := s.buffer.Query()

		if err := s.dispatch(q); err != nil {
			return err
		}
	}
}

// clusterSchema adapts the cluster to the classifier.
type clusterSchema struct {
	cluster *backend.Cluster
}

func (c clusterSchema) TableColumn(table string) (string, sharding.DataType, bool) {
	t, ok := c.cluster.TableFor(table)
	if !ok {
		return "", 0, false
	}
	return t.Column, t.DataType, true
}

func (c clusterSchema) SelectShard(value string, typ sharding.DataType) (int, error) {
	return c.cluster.Selector.SelectValue(value, typ)
}

func (c clusterSchema) ShardCount() int {
	return c.cluster.ShardCount()
}

// dispatch routes one buffered request and pumps its replies.
func (s *session) dispatch(q wire.BufferedQuery) error {
	s.entry.setState("active")
	defer s.updateIdleState()

	q = s.interceptPrepared(q)

	result, err := router.Classify(q, clusterSchema{s.cluster}, router.Options{
		TransactionPooling: s.cluster.PoolerMode == config.PoolerTransaction,
		WroteInTransaction: s.wroteInTxn,
	})
	if err != nil {
		return s.sendLocal(
			wire.NewErrorResponse("ERROR", "42601", err.Error()),
			wire.NewReadyForQuery(s.txStatus()),
		)
	}

	if result.Command != nil {
		return s.handleCommand(*result.Command, q)
	}
	return s.execute(result.Route, q)
}

// interceptPrepared rewrites extended-protocol statement names to their
// stable internal names and records the session mapping.
func (s *session) interceptPrepared(q wire.BufferedQuery) wire.BufferedQuery {
	if !q.Extended || s.prepared == nil {
		return q
	}
	out := q
	out.Messages = make([]wire.Message, len(q.Messages))
	copy(out.Messages, q.Messages)

	for i, m := range out.Messages {
		switch m.Type {
		case wire.MsgParse:
			p, err := wire.ParseParse(m.Payload)
			if err != nil || p.Name == "" {
				continue
			}
			out.Messages[i] = wire.NewParse(s.prepared.Intercept(p))
		case wire.MsgBind:
			b, err := wire.ParseBind(m.Payload)
			if err != nil || b.Statement == "" {
				continue
			}
			if internal, ok := s.prepared.Resolve(b.Statement); ok {
				b.Statement = internal
				out.Messages[i] = wire.NewBind(b)
				// A Bind without a Parse in this request still needs its
				// SQL for classification.
				if out.SQL == "" {
					if p, ok := s.h.Prepared.Get(internal); ok {
						out.SQL = p.SQL
					}
				}
			}
		case wire.MsgDescribe:
			kind, name, err := wire.ParseDescribe(m.Payload)
			if err != nil || kind != 'S' || name == "" {
				continue
			}
			if internal, ok := s.prepared.Resolve(name); ok {
				out.Messages[i] = wire.NewDescribe('S', internal)
			}
		case wire.MsgClose:
			kind, name, err := wire.ParseDescribe(m.Payload)
			if err != nil || kind != 'S' || name == "" {
				continue
			}
			// The server-side statement is shared; only the session
			// mapping goes away. The Close is answered locally during
			// execution setup.
			s.prepared.Forget(name)
		}
	}
	return out
}

// handleCommand services statements the proxy absorbs or forwards whole.
func (s *session) handleCommand(cmd router.Command, q wire.BufferedQuery) error {
	transactionMode := s.cluster.PoolerMode == config.PoolerTransaction

	switch cmd.Kind {
	case router.CmdBegin:
		if transactionMode && !s.realTxn && len(s.guards) == 0 {
			// Fake transaction: remembered locally, no server involved.
			s.virtualTxn = true
			s.txnStart = time.Now()
			return s.sendLocal(wire.NewCommandComplete("BEGIN"), wire.NewReadyForQuery('T'))
		}
		return s.execute(router.AllShards(false), q)

	case router.CmdCommit, router.CmdRollback:
		tag := "COMMIT"
		if cmd.Kind == router.CmdRollback {
			tag = "ROLLBACK"
		}
		if s.virtualTxn && !s.realTxn {
			s.virtualTxn = false
			s.wroteInTxn = false
			return s.sendLocal(wire.NewCommandComplete(tag), wire.NewReadyForQuery('I'))
		}
		if len(s.guards) > 0 {
			// Clear the flags first so the request boundary after the
			// forwarded COMMIT releases the leases.
			s.virtualTxn = false
			s.wroteInTxn = false
			return s.forwardToGuards(q)
		}
		// COMMIT with no transaction: answer locally with a warning-free
		// tag, matching server behavior closely enough for poolers.
		return s.sendLocal(wire.NewCommandComplete(tag), wire.NewReadyForQuery('I'))

	case router.CmdSet:
		if len(s.guards) > 0 {
			return s.forwardToGuards(q)
		}
		// No server held: remember the parameter and answer locally, so
		// pooled servers stay clean.
		if kv := parseSet(q.SQL); kv != nil {
			s.params[kv[0]] = kv[1]
			if kv[0] == "search_path" {
				s.searchPath = kv[1]
			}
		}
		return s.sendLocal(wire.NewCommandComplete("SET"), wire.NewReadyForQuery(s.txStatus()))

	case router.CmdShow:
		// SHOW reads one setting; any shard answers it.
		return s.execute(router.SingleShard(0, true), q)

	case router.CmdStartReplication:
		return s.sendLocal(
			wire.NewErrorResponse("ERROR", "0A000", "replication connections are not supported through this proxy"),
			wire.NewReadyForQuery('I'),
		)

	default:
		// PREPARE / EXECUTE / DEALLOCATE travel with the session's
		// servers: forward on held guards, else route as a write.
		if len(s.guards) > 0 {
			return s.forwardToGuards(q)
		}
		return s.execute(router.AllShards(false), q)
	}
}

// parseSet extracts ("name", "value") from a simple SET statement.
func parseSet(sql string) *[2]string {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	rest := trimmed[3:] // past "SET"
	rest = strings.TrimSpace(rest)
	if len(rest) > 6 && strings.EqualFold(rest[:6], "LOCAL ") {
		rest = strings.TrimSpace(rest[6:])
	}
	if len(rest) > 8 && strings.EqualFold(rest[:8], "SESSION ") {
		rest = strings.TrimSpace(rest[8:])
	}
	var name, value string
	if eq := strings.IndexByte(rest, '='); eq > 0 {
		name = strings.TrimSpace(rest[:eq])
		value = strings.TrimSpace(rest[eq+1:])
	} else if to := strings.Index(strings.ToLower(rest), " to "); to > 0 {
		name = strings.TrimSpace(rest[:to])
		value = strings.TrimSpace(rest[to+4:])
	} else {
		return nil
	}
	value = strings.Trim(value, "'")
	return &[2]string{strings.ToLower(name), value}
}

// txStatus reports the status byte the client should see.
func (s *session) txStatus() byte {
	if s.realTxn {
		return 'T'
	}
	if s.virtualTxn {
		return 'T'
	}
	return 'I'
}

func (s *session) updateIdleState() {
	switch {
	case s.realTxn || s.virtualTxn:
		s.entry.setState("idle in transaction")
	default:
		s.entry.setState("idle")
	}
}

// sendLocal writes proxy-originated messages to the client.
func (s *session) sendLocal(msgs ...wire.Message) error {
	for _, m := range msgs {
		if err := wire.WriteMessage(s.client, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) sendError(severity, code, message string) {
	wire.WriteMessage(s.client, wire.NewErrorResponse(severity, code, message))
}

// checkout leases a guard for one shard, reusing a held one.
func (s *session) checkout(shard int, read bool) (*backend.Guard, error) {
	if g, ok := s.guards[shard]; ok {
		return g, nil
	}
	sh, err := s.cluster.Shard(shard)
	if err != nil {
		return nil, err
	}

	cfg := s.h.Config()
	ctx, cancel := context.WithTimeout(s.ctx, cfg.General.CheckoutTimeout.Duration)
	defer cancel()

	start := time.Now()
	inTxn := s.realTxn || s.virtualTxn
	g, err := sh.Checkout(ctx, backend.Request{
		CreatedAt: start,
		ShardHint: shard,
		Writer:    !read,
	}, read && !inTxn && !s.wroteInTxn)
	if err != nil {
		return nil, err
	}
	if s.h.Metrics != nil {
		s.h.Metrics.CheckoutDuration(s.database, time.Since(start))
	}
	s.guards[shard] = g

	if s.txnStart.IsZero() {
		s.txnStart = start
	}

	// A virtual transaction materializes the moment a server joins it.
	if s.virtualTxn && !s.realTxn {
		if err := s.materializeTxn(g); err != nil {
			return nil, err
		}
	} else if s.virtualTxn && s.realTxn {
		// A late shard joining an open transaction needs its own BEGIN.
		if err := s.beginOn(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// materializeTxn sends the deferred BEGIN to the first server of a virtual
// transaction.
func (s *session) materializeTxn(g *backend.Guard) error {
	if err := s.beginOn(g); err != nil {
		return err
	}
	s.realTxn = true
	return nil
}

func (s *session) beginOn(g *backend.Guard) error {
	srv := g.Server()
	if err := srv.Send(wire.NewQuery("BEGIN")); err != nil {
		return err
	}
	for {
		m, err := srv.Recv()
		if err != nil {
			return err
		}
		if m.Type == wire.MsgErrorResponse {
			fields := wire.ErrorFields(m.Payload)
			return fmt.Errorf("frontend: BEGIN failed: %s", fields[wire.FieldMessage])
		}
		if m.Type == wire.MsgReadyForQuery {
			return nil
		}
	}
}

// checkoutError translates pool failures into client errors, keeping the
// session alive.
func (s *session) checkoutError(err error) error {
	switch {
	case errors.Is(err, backend.ErrCheckoutTimeout), errors.Is(err, backend.ErrNoReplicas):
		if s.h.Metrics != nil {
			s.h.Metrics.CheckoutTimeout(s.database)
		}
		return s.sendLocal(
			wire.NewErrorResponse("ERROR", "57P03", "timed out waiting for a server connection"),
			wire.NewReadyForQuery('I'),
		)
	case errors.Is(err, backend.ErrBanned):
		return s.sendLocal(
			wire.NewErrorResponse("ERROR", "53300", "server pool is temporarily unavailable"),
			wire.NewReadyForQuery('I'),
		)
	case errors.Is(err, backend.ErrOffline), errors.Is(err, backend.ErrPaused):
		return s.sendLocal(
			wire.NewErrorResponse("ERROR", "57P03", "server pool is shutting down"),
			wire.NewReadyForQuery('I'),
		)
	default:
		return s.sendLocal(
			wire.NewErrorResponse("ERROR", "58000", err.Error()),
			wire.NewReadyForQuery('I'),
		)
	}
}

// releaseGuards returns every held lease.
func (s *session) releaseGuards(clean bool) {
	for shard, g := range s.guards {
		g.Return(clean)
		delete(s.guards, shard)
	}
	if !s.txnStart.IsZero() && s.h.Metrics != nil {
		s.h.Metrics.TransactionCompleted(s.database, time.Since(s.txnStart))
	}
	s.txnStart = time.Time{}
}

// execute routes the request to its shards and pumps replies.
func (s *session) execute(route *router.Route, q wire.BufferedQuery) error {
	total := s.cluster.ShardCount()

	if route.GroupBy && !route.GroupByShardKey && route.IsFanout(total) {
		return s.sendLocal(
			wire.NewErrorResponse("ERROR", "0A000", "GROUP BY on a non-sharding key is not supported across shards"),
			wire.NewReadyForQuery(s.txStatus()),
		)
	}

	// Transactions stay on the shards they started on: a held guard set
	// restricts an unpinned route.
	targets := route.TargetShards(total)
	if (s.realTxn || len(s.guards) > 0) && route.Shard == nil && len(s.guards) > 0 && s.cluster.PoolerMode == config.PoolerTransaction {
		held := make([]int, 0, len(s.guards))
		for shard := range s.guards {
			held = append(held, shard)
		}
		if len(held) > 0 && len(held) < len(targets) {
			targets = held
		}
	}

	if !route.Read {
		if s.realTxn || s.virtualTxn {
			s.wroteInTxn = true
		}
	}
	if s.h.Metrics != nil {
		s.h.Metrics.QueryRouted(s.database, route.Read)
		if len(targets) > 1 {
			s.h.Metrics.CrossShardQuery(s.database)
		}
	}

	msgs := s.requestMessages(route, q)

	guards := make([]*backend.Guard, 0, len(targets))
	for _, shard := range targets {
		g, err := s.checkout(shard, route.Read)
		if err != nil {
			return s.checkoutError(err)
		}
		guards = append(guards, g)
	}

	if route.Copy != nil && route.Copy.FromStdin && len(guards) > 1 {
		return s.executeCopyIn(route, guards, targets, msgs)
	}

	start := time.Now()
	var err error
	if len(guards) == 1 {
		err = s.pipeSingle(guards[0], targets[0], msgs)
	} else {
		err = s.fanout(route, guards, targets, msgs)
	}
	if s.h.Metrics != nil {
		s.h.Metrics.QueryDuration(s.database, time.Since(start))
	}
	return err
}

// requestMessages applies the route's rewrite to the outgoing frames.
func (s *session) requestMessages(route *router.Route, q wire.BufferedQuery) []wire.Message {
	if route.Rewrite == "" {
		return q.Messages
	}
	out := make([]wire.Message, len(q.Messages))
	copy(out, q.Messages)
	for i, m := range out {
		switch m.Type {
		case wire.MsgQuery:
			out[i] = wire.NewQuery(route.Rewrite)
		case wire.MsgParse:
			if p, err := wire.ParseParse(m.Payload); err == nil {
				p.SQL = route.Rewrite
				out[i] = wire.NewParse(p)
			}
		}
	}
	return out
}

// ensureReplays prepends any Parse messages the target server has not seen
// for statements referenced by this request.
func (s *session) ensureReplays(srv *backend.Server, msgs []wire.Message) []wire.Message {
	if s.prepared == nil {
		return msgs
	}
	var replays []wire.Message
	seen := map[string]bool{}
	for _, m := range msgs {
		var name string
		switch m.Type {
		case wire.MsgBind:
			if b, err := wire.ParseBind(m.Payload); err == nil {
				name = b.Statement
			}
		case wire.MsgDescribe:
			if kind, n, err := wire.ParseDescribe(m.Payload); err == nil && kind == 'S' {
				name = n
			}
		case wire.MsgParse:
			if p, err := wire.ParseParse(m.Payload); err == nil && p.Name != "" {
				seen[p.Name] = true
			}
		}
		if name == "" || seen[name] || srv.HasPrepared(name) {
			continue
		}
		if p, ok := s.h.Prepared.Get(name); ok {
			replays = append(replays, wire.NewParse(p))
			seen[name] = true
		}
	}
	if len(replays) == 0 {
		return msgs
	}
	// Replays need their ParseComplete swallowed: append a matching count
	// marker by sending them ahead of the request within the same Sync.
	return append(replays, msgs...)
}

// pipeSingle is the fast path: one shard, replies stream straight through.
// A Flush-terminated segment (no Sync) reads exactly the owed per-message
// replies and keeps the lease for the rest of the conversation.
func (s *session) pipeSingle(g *backend.Guard, shard int, msgs []wire.Message) error {
	srv := g.Server()
	full := s.ensureReplays(srv, msgs)
	extraParses := len(full) - len(msgs)

	expectZ, segmentReplies := expectedReplies(msgs)
	segment := expectZ == 0

	s.counter.Reset()
	for _, m := range msgs {
		s.counter.ExpectRequest(wire.BufferedQuery{Messages: []wire.Message{m}})
	}

	if err := srv.SendAll(full); err != nil {
		return s.serverFailure(g, shard, err)
	}
	if segment && segmentReplies == 0 {
		// Nothing owed (e.g. a bare Close/Flush pair answered lazily).
		s.midRequest = true
		return nil
	}

	queryTimeout := s.h.Config().General.QueryTimeout.Duration
	if queryTimeout > 0 {
		srv.SetDeadline(time.Now().Add(queryTimeout))
		defer srv.SetDeadline(time.Time{})
	}

	swallowParses := extraParses
	for {
		m, err := srv.Recv()
		if err != nil {
			if isTimeout(err) && queryTimeout > 0 {
				return s.queryTimeout(g, shard)
			}
			return s.serverFailure(g, shard, err)
		}

		if swallowParses > 0 && m.Type == wire.MsgParseComplete {
			swallowParses--
			continue
		}

		if !s.counter.Observe(m) {
			return s.desync(g, shard)
		}

		// COPY subprotocol: relay in both directions until done.
		if m.Type == wire.MsgCopyInResponse {
			if err := wire.WriteMessage(s.client, m); err != nil {
				g.Dispose()
				delete(s.guards, shard)
				return err
			}
			if err := s.relayCopyIn(srv); err != nil {
				return s.serverFailure(g, shard, err)
			}
			continue
		}

		if err := wire.WriteMessage(s.client, m); err != nil {
			// Client vanished mid-reply: cancel and dispose.
			g.Dispose()
			delete(s.guards, shard)
			return err
		}

		if segment {
			switch m.Type {
			case wire.MsgErrorResponse:
				// The server discards the rest of the segment until Sync.
				s.midRequest = true
				return nil
			case wire.MsgParseComplete, wire.MsgBindComplete, wire.MsgCloseComplete,
				wire.MsgParameterDescription, wire.MsgRowDescription, wire.MsgNoData,
				wire.MsgCommandComplete, wire.MsgEmptyQueryResponse, wire.MsgPortalSuspended:
				segmentReplies--
				if segmentReplies <= 0 {
					s.midRequest = true
					return nil
				}
			default:
				// DataRow, notices, and parameter traffic are not owed
				// replies; keep reading.
			}
			continue
		}

		if m.Type == wire.MsgReadyForQuery && s.counter.Done() {
			break
		}
	}

	s.midRequest = false
	s.finishRequest()
	return nil
}

// expectedReplies counts the trailing ReadyForQuery messages a request owes
// and, for Flush segments, the per-message replies.
func expectedReplies(msgs []wire.Message) (expectZ, replies int) {
	for _, m := range msgs {
		switch m.Type {
		case wire.MsgQuery, wire.MsgSync:
			expectZ++
		case wire.MsgParse, wire.MsgBind, wire.MsgClose, wire.MsgExecute:
			replies++
		case wire.MsgDescribe:
			replies++
			if len(m.Payload) > 0 && m.Payload[0] == 'S' {
				replies++
			}
		}
	}
	return expectZ, replies
}

// relayCopyIn pumps client COPY data to a single server until CopyDone or
// CopyFail.
func (s *session) relayCopyIn(srv *backend.Server) error {
	for {
		m, err := wire.ReadMessage(s.client)
		if err != nil {
			return err
		}
		if err := srv.Send(m); err != nil {
			return err
		}
		if m.Type == wire.MsgCopyDone || m.Type == wire.MsgCopyFail {
			return nil
		}
	}
}

// fanout dispatches the request to several shards, collects every reply,
// and merges.
func (s *session) fanout(route *router.Route, guards []*backend.Guard, targets []int, msgs []wire.Message) error {
	queryTimeout := s.h.Config().General.QueryTimeout.Duration

	results := make([]shardResult, 0, len(guards))
	for i, g := range guards {
		res, err := s.collectShard(g, targets[i], msgs, queryTimeout)
		if err != nil {
			return err
		}
		results = append(results, res)
	}

	merged := mergeResults(route, results)
	for _, m := range merged {
		if err := wire.WriteMessage(s.client, m); err != nil {
			s.releaseGuards(false)
			return err
		}
	}

	s.finishRequest()
	return nil
}

// collectShard sends the request to one shard and drains it to its final
// ReadyForQuery.
func (s *session) collectShard(g *backend.Guard, shard int, msgs []wire.Message, queryTimeout time.Duration) (shardResult, error) {
	srv := g.Server()
	res := shardResult{shard: shard, txStatus: 'I'}

	full := s.ensureReplays(srv, msgs)
	extraParses := len(full) - len(msgs)
	if err := srv.SendAll(full); err != nil {
		return res, s.serverFailure(g, shard, err)
	}

	if queryTimeout > 0 {
		srv.SetDeadline(time.Now().Add(queryTimeout))
		defer srv.SetDeadline(time.Time{})
	}

	expectZ := 0
	for _, m := range msgs {
		if m.Type == wire.MsgQuery || m.Type == wire.MsgSync {
			expectZ++
		}
	}
	if expectZ == 0 {
		expectZ = 1
	}

	for {
		m, err := srv.Recv()
		if err != nil {
			if isTimeout(err) && queryTimeout > 0 {
				return res, s.queryTimeout(g, shard)
			}
			return res, s.serverFailure(g, shard, err)
		}
		switch m.Type {
		case wire.MsgParseComplete:
			if extraParses > 0 {
				extraParses--
				continue
			}
			res.leading = append(res.leading, m)
		case wire.MsgBindComplete, wire.MsgNoData, wire.MsgParameterDescription:
			res.leading = append(res.leading, m)
		case wire.MsgRowDescription:
			cols, err := wire.ParseRowDescription(m.Payload)
			if err == nil {
				res.columns = cols
				rd := m
				res.rowDesc = &rd
			}
		case wire.MsgDataRow:
			res.rows = append(res.rows, m)
		case wire.MsgCommandComplete:
			if tag, err := wire.CommandTag(m.Payload); err == nil {
				res.tag = tag
			}
		case wire.MsgErrorResponse:
			em := m
			if res.errMsg == nil {
				res.errMsg = &em
			}
		case wire.MsgReadyForQuery:
			res.txStatus = wire.TxStatus(m.Payload)
			expectZ--
			if expectZ == 0 {
				return res, nil
			}
		case wire.MsgNoticeResponse, wire.MsgParameterStatus, wire.MsgNotificationResponse:
			// Async traffic goes straight to the client.
			if err := wire.WriteMessage(s.client, m); err != nil {
				return res, err
			}
		}
	}
}

// executeCopyIn shards COPY FROM STDIN row streams across shards.
func (s *session) executeCopyIn(route *router.Route, guards []*backend.Guard, targets []int, msgs []wire.Message) error {
	info := route.Copy

	// Start COPY on every shard.
	var copyIn *wire.Message
	for i, g := range guards {
		srv := g.Server()
		if err := srv.SendAll(msgs); err != nil {
			return s.serverFailure(g, targets[i], err)
		}
		for {
			m, err := srv.Recv()
			if err != nil {
				return s.serverFailure(g, targets[i], err)
			}
			if m.Type == wire.MsgCopyInResponse {
				if copyIn == nil {
					cm := m
					copyIn = &cm
				}
				break
			}
			if m.Type == wire.MsgErrorResponse {
				// Propagate and drain.
				wire.WriteMessage(s.client, m)
				s.drainToReady(srv)
				s.releaseGuards(false)
				return s.sendLocal(wire.NewReadyForQuery('I'))
			}
		}
	}
	if err := wire.WriteMessage(s.client, *copyIn); err != nil {
		s.releaseGuards(false)
		return err
	}

	splitter := newCopySplitter(info, s.cluster)

	// Pump client rows to their shards.
	for {
		m, err := wire.ReadMessage(s.client)
		if err != nil {
			s.releaseGuards(false)
			return err
		}
		if m.Type == wire.MsgCopyData {
			routes, err := splitter.split(m.Payload)
			if err != nil {
				// Undecidable rows go everywhere the statement went.
				for _, g := range guards {
					g.Server().Send(m)
				}
				continue
			}
			for shard, data := range routes {
				if len(data) == 0 {
					continue
				}
				if shard < 0 {
					for _, g := range guards {
						if err := g.Server().Send(wire.NewCopyData(data)); err != nil {
							s.releaseGuards(false)
							return err
						}
					}
					continue
				}
				if g, ok := s.guards[shard]; ok {
					if err := g.Server().Send(wire.NewCopyData(data)); err != nil {
						s.releaseGuards(false)
						return err
					}
				}
			}
			continue
		}

		// CopyDone / CopyFail end the stream on every shard.
		for _, g := range guards {
			if err := g.Server().Send(m); err != nil {
				s.releaseGuards(false)
				return err
			}
		}
		if m.Type == wire.MsgCopyDone || m.Type == wire.MsgCopyFail {
			break
		}
	}

	// Collect completions.
	totalRows := 0
	status := byte('I')
	var firstErr *wire.Message
	for _, g := range guards {
		srv := g.Server()
		for {
			m, err := srv.Recv()
			if err != nil {
				s.releaseGuards(false)
				return err
			}
			if m.Type == wire.MsgCommandComplete {
				if tag, err := wire.CommandTag(m.Payload); err == nil {
					var n int
					fmt.Sscanf(tag, "COPY %d", &n)
					totalRows += n
				}
			}
			if m.Type == wire.MsgErrorResponse && firstErr == nil {
				em := m
				firstErr = &em
			}
			if m.Type == wire.MsgReadyForQuery {
				if wire.TxStatus(m.Payload) == 'E' {
					status = 'E'
				} else if wire.TxStatus(m.Payload) == 'T' && status != 'E' {
					status = 'T'
				}
				break
			}
		}
	}

	var out []wire.Message
	if firstErr != nil {
		out = append(out, *firstErr)
	} else {
		out = append(out, wire.NewCommandComplete(fmt.Sprintf("COPY %d", totalRows)))
	}
	out = append(out, wire.NewReadyForQuery(status))
	if err := s.sendLocal(out...); err != nil {
		s.releaseGuards(false)
		return err
	}

	s.finishRequest()
	return nil
}

// drainToReady discards replies until ReadyForQuery.
func (s *session) drainToReady(srv *backend.Server) {
	for {
		m, err := srv.Recv()
		if err != nil || m.Type == wire.MsgReadyForQuery {
			return
		}
	}
}

// forwardToGuards sends the request to every held guard and streams the
// first guard's replies, draining the rest.
func (s *session) forwardToGuards(q wire.BufferedQuery) error {
	if len(s.guards) == 0 {
		return s.sendLocal(wire.NewReadyForQuery(s.txStatus()))
	}
	first := true
	var firstShard int
	var firstGuard *backend.Guard
	for shard, g := range s.guards {
		if first {
			firstShard, firstGuard = shard, g
			first = false
			continue
		}
		if err := g.Server().SendAll(q.Messages); err != nil {
			return s.serverFailure(g, shard, err)
		}
		s.drainToReady(g.Server())
	}
	return s.pipeSingle(firstGuard, firstShard, q.Messages)
}

// finishRequest runs at a request boundary: leases go back unless a
// transaction holds them.
func (s *session) finishRequest() {
	inTxn := false
	for _, g := range s.guards {
		if g.Server().InTransaction() {
			inTxn = true
		}
	}
	s.realTxn = inTxn

	sessionMode := s.cluster.PoolerMode == config.PoolerSession
	if !inTxn && !s.virtualTxn && !sessionMode && !s.midRequest {
		s.releaseGuards(true)
		s.wroteInTxn = false
	}
	if !inTxn && !s.virtualTxn {
		s.wroteInTxn = false
	}
}

// serverFailure handles a broken server conversation: the lease is
// disposed and the client gets a connection error.
func (s *session) serverFailure(g *backend.Guard, shard int, err error) error {
	g.Dispose()
	delete(s.guards, shard)
	s.realTxn = false
	s.virtualTxn = false
	s.sendError("FATAL", "08006", fmt.Sprintf("server connection failed: %s", err))
	return fmt.Errorf("frontend: server failure on shard %d: %w", shard, err)
}

// desync force-closes a desynced server and ends the session.
func (s *session) desync(g *backend.Guard, shard int) error {
	if s.h.Metrics != nil {
		s.h.Metrics.Desync(s.database)
	}
	g.Return(false)
	delete(s.guards, shard)
	s.sendError("FATAL", "08006", "protocol desynchronization detected")
	return fmt.Errorf("frontend: desync on shard %d", shard)
}

// queryTimeout cancels an overdue query, disposes the lease, and keeps the
// client.
func (s *session) queryTimeout(g *backend.Guard, shard int) error {
	g.Dispose()
	delete(s.guards, shard)
	s.realTxn = false
	s.virtualTxn = false
	return s.sendLocal(
		wire.NewErrorResponse("ERROR", "57014", "canceling statement due to query timeout"),
		wire.NewReadyForQuery('I'),
	)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// runAdmin serves the virtual admin database: password-protected,
// simple-query only.
func (s *session) runAdmin(cfg *config.Config) error {
	if cfg.General.AdminPassword == "" {
		s.rejectAuth()
		return fmt.Errorf("frontend: admin database has no password configured")
	}
	if err := authenticateClient(s.client, cfg.General.AuthType, s.user, s.database, cfg.General.AdminPassword); err != nil {
		if s.h.Metrics != nil {
			s.h.Metrics.AuthFailure(s.user, s.database)
		}
		s.rejectAuth()
		return fmt.Errorf("frontend: admin auth: %w", err)
	}

	var keyBuf [4]byte
	rand.Read(keyBuf[:])
	s.entry = s.h.Registry.register(s.user, s.database, s.client.RemoteAddr().String(), binary.BigEndian.Uint32(keyBuf[:]), nil)
	defer s.h.Registry.unregister(s.entry)

	if err := s.completeAdminStartup(); err != nil {
		return err
	}

	for {
		m, err := wire.ReadMessage(s.client)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch m.Type {
		case wire.MsgTerminate:
			return nil
		case wire.MsgQuery:
			sql, err := wire.QueryString(m.Payload)
			if err != nil {
				s.sendError("ERROR", "08P01", "malformed query message")
				continue
			}
			if err := s.sendLocal(s.h.Admin.Handle(sql)...); err != nil {
				return err
			}
		default:
			// Extended protocol is refused on the admin database.
			if err := s.sendLocal(
				wire.NewErrorResponse("ERROR", "0A000", "extended query protocol is not supported on the admin database"),
				wire.NewReadyForQuery('I'),
			); err != nil {
				return err
			}
		}
	}
}

func (s *session) completeAdminStartup() error {
	msgs := []wire.Message{
		wire.NewAuthenticationOK(),
		wire.NewParameterStatus("server_version", "15.0"),
		wire.NewParameterStatus("client_encoding", "UTF8"),
		wire.NewBackendKeyData(s.entry.cancelPID, s.entry.cancelKey),
		wire.NewReadyForQuery('I'),
	}
	for _, m := range msgs {
		if err := wire.WriteMessage(s.client, m); err != nil {
			return err
		}
	}
	return nil
}
