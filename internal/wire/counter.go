package wire

// Counter tracks how many replies the server still owes for the current
// request. Done() is the safe point to return the server to its pool (or,
// in session pooling, to accept the next client request).
type Counter struct {
	rowDescriptions   int
	paramDescriptions int
	commandCompletes  int
	readyForQuery     int
	inTransaction     bool
	copyMode          bool
}

// ExpectRequest registers the replies a complete client request will
// produce.
func (c *Counter) ExpectRequest(q BufferedQuery) {
	for _, m := range q.Messages {
		switch m.Type {
		case MsgQuery:
			// Simple query: at least one CommandComplete (or error) then Z.
			c.commandCompletes++
			c.readyForQuery++
		case MsgDescribe:
			c.rowDescriptions++
			if len(m.Payload) > 0 && m.Payload[0] == 'S' {
				c.paramDescriptions++
			}
		case MsgExecute:
			c.commandCompletes++
		case MsgSync:
			c.readyForQuery++
		}
	}
}

// Observe consumes one server reply. Asynchronous messages (notices,
// parameter status, notifications) never count against the request.
// It returns false when the reply was not expected — a protocol desync.
func (c *Counter) Observe(m Message) bool {
	switch m.Type {
	case MsgNoticeResponse, MsgParameterStatus, MsgNotificationResponse:
		return true
	case MsgRowDescription:
		if c.rowDescriptions > 0 {
			c.rowDescriptions--
		}
		return true
	case MsgParameterDescription:
		if c.paramDescriptions > 0 {
			c.paramDescriptions--
		}
		return true
	case MsgNoData:
		// NoData satisfies an expected RowDescription.
		if c.rowDescriptions > 0 {
			c.rowDescriptions--
		}
		return true
	case MsgCommandComplete, MsgEmptyQueryResponse:
		if c.commandCompletes > 0 {
			c.commandCompletes--
		}
		return true
	case MsgErrorResponse:
		// An error aborts the rest of the request; only the trailing
		// ReadyForQuery remains owed.
		c.rowDescriptions = 0
		c.paramDescriptions = 0
		c.commandCompletes = 0
		return true
	case MsgCopyInResponse, MsgCopyOutResponse, MsgCopyBothResponse:
		c.copyMode = true
		return true
	case MsgCopyDone, MsgCopyFail:
		c.copyMode = false
		return true
	case MsgReadyForQuery:
		if c.readyForQuery == 0 {
			return false
		}
		c.readyForQuery--
		c.inTransaction = TxStatus(m.Payload) != 'I'
		// Anything still owed at the final Z means the stream desynced.
		if c.readyForQuery == 0 {
			if c.commandCompletes != 0 || c.rowDescriptions != 0 {
				c.commandCompletes = 0
				c.rowDescriptions = 0
				c.paramDescriptions = 0
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Done reports whether every owed reply arrived.
func (c *Counter) Done() bool {
	return c.readyForQuery == 0 && !c.copyMode
}

// InTransaction reports the transaction flag read from the last 'Z'.
func (c *Counter) InTransaction() bool {
	return c.inTransaction
}

// InCopy reports whether a COPY subprotocol is in flight.
func (c *Counter) InCopy() bool {
	return c.copyMode
}

// Reset clears all counts, keeping the transaction flag.
func (c *Counter) Reset() {
	inTx := c.inTransaction
	*c = Counter{inTransaction: inTx}
}
