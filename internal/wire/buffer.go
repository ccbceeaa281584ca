package wire

// BufferedQuery is one complete client request ready for routing: either a
// simple Query or an extended-protocol batch terminated by Sync.
type BufferedQuery struct {
	// SQL is the statement text: the Query body in simple mode, or the SQL
	// of the Parse (or previously-prepared statement) in extended mode.
	SQL string
	// Bind carries the bound parameters in extended mode, nil otherwise.
	Bind *Bind
	// Messages are the raw frames of the request, in arrival order.
	Messages []Message
	// Extended is true when the request uses the extended query protocol.
	Extended bool
	// Copy is true when the request is a COPY subprotocol frame stream.
	Copy bool
}

// Buffer accumulates client messages until they form one complete request.
// A request is complete at a Query message, or at Sync in extended mode.
type Buffer struct {
	msgs     []Message
	complete bool
	extended bool
}

// Push appends one client message. Messages after completion start a new
// request; callers must drain with Query() first.
func (b *Buffer) Push(m Message) {
	b.msgs = append(b.msgs, m)
	switch m.Type {
	case MsgQuery, MsgFunctionCall:
		b.complete = true
	case MsgParse, MsgBind, MsgDescribe, MsgExecute, MsgClose:
		b.extended = true
	case MsgSync:
		b.extended = true
		b.complete = true
	case MsgFlush:
		// Flush requests partial results without ending the request.
		// Treated as a completion point so replies can stream.
		if b.extended {
			b.complete = true
		}
	}
}

// Full reports whether the buffer holds one complete request.
func (b *Buffer) Full() bool {
	return b.complete
}

// Len returns the number of buffered messages.
func (b *Buffer) Len() int {
	return len(b.msgs)
}

// Query returns the buffered request once it is complete and resets the
// buffer. The second return is false while the request is still partial.
func (b *Buffer) Query() (BufferedQuery, bool) {
	if !b.complete {
		return BufferedQuery{}, false
	}
	q := BufferedQuery{Messages: b.msgs, Extended: b.extended}
	for _, m := range b.msgs {
		switch m.Type {
		case MsgQuery:
			if sql, err := QueryString(m.Payload); err == nil {
				q.SQL = sql
			}
		case MsgParse:
			if p, err := ParseParse(m.Payload); err == nil {
				q.SQL = p.SQL
			}
		case MsgBind:
			if bd, err := ParseBind(m.Payload); err == nil {
				q.Bind = &bd
			}
		case MsgCopyData, MsgCopyDone, MsgCopyFail:
			q.Copy = true
		}
	}
	b.msgs = nil
	b.complete = false
	b.extended = false
	return q, true
}

// Reset discards any partial request.
func (b *Buffer) Reset() {
	b.msgs = nil
	b.complete = false
	b.extended = false
}
