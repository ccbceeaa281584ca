package wire

import "testing"

func expectRequest(c *Counter, msgs ...Message) {
	c.ExpectRequest(BufferedQuery{Messages: msgs})
}

func TestCounterSimpleQuery(t *testing.T) {
	var c Counter
	expectRequest(&c, NewQuery("SELECT 1"))

	if c.Done() {
		t.Fatal("counter done before any reply")
	}
	c.Observe(NewRowDescription(nil))
	c.Observe(NewDataRow(nil))
	c.Observe(NewCommandComplete("SELECT 1"))
	if c.Done() {
		t.Fatal("counter done before ReadyForQuery")
	}
	if !c.Observe(NewReadyForQuery('I')) {
		t.Fatal("ReadyForQuery rejected")
	}
	if !c.Done() {
		t.Error("counter should be done")
	}
	if c.InTransaction() {
		t.Error("idle status should clear the transaction flag")
	}
}

func TestCounterTransactionFlag(t *testing.T) {
	var c Counter
	expectRequest(&c, NewQuery("BEGIN"))
	c.Observe(NewCommandComplete("BEGIN"))
	c.Observe(NewReadyForQuery('T'))
	if !c.InTransaction() {
		t.Error("transaction flag should follow the last Z")
	}
}

func TestCounterAsyncMessagesNotCounted(t *testing.T) {
	var c Counter
	expectRequest(&c, NewQuery("SELECT 1"))

	c.Observe(NewNotice("NOTICE", "00000", "hi"))
	c.Observe(NewParameterStatus("TimeZone", "UTC"))
	c.Observe(Message{Type: MsgNotificationResponse})
	c.Observe(NewCommandComplete("SELECT 1"))
	if c.Done() {
		t.Fatal("async traffic must not satisfy the reply count")
	}
	c.Observe(NewReadyForQuery('I'))
	if !c.Done() {
		t.Error("counter should be done after Z")
	}
}

func TestCounterUnexpectedReadyForQuery(t *testing.T) {
	var c Counter
	if c.Observe(NewReadyForQuery('I')) {
		t.Error("unexpected Z should report a desync")
	}
}

func TestCounterErrorClearsOwedReplies(t *testing.T) {
	var c Counter
	expectRequest(&c, NewQuery("SELECT broken"))

	c.Observe(NewErrorResponse("ERROR", "42601", "syntax error"))
	if !c.Observe(NewReadyForQuery('I')) {
		t.Fatal("Z after error should be accepted")
	}
	if !c.Done() {
		t.Error("error path should still complete the request")
	}
}

func TestCounterExtendedRequest(t *testing.T) {
	var c Counter
	expectRequest(&c,
		NewParse(Parse{SQL: "SELECT $1"}),
		NewBind(Bind{}),
		NewDescribe('P', ""),
		NewExecute("", 0),
		NewSync(),
	)

	c.Observe(Message{Type: MsgParseComplete})
	c.Observe(Message{Type: MsgBindComplete})
	c.Observe(NewRowDescription(nil))
	c.Observe(NewDataRow([][]byte{[]byte("1")}))
	c.Observe(NewCommandComplete("SELECT 1"))
	if c.Done() {
		t.Fatal("extended request incomplete before Z")
	}
	if !c.Observe(NewReadyForQuery('I')) {
		t.Fatal("Z rejected")
	}
	if !c.Done() {
		t.Error("extended request should be done")
	}
}

func TestCounterCopyMode(t *testing.T) {
	var c Counter
	expectRequest(&c, NewQuery("COPY t FROM STDIN"))

	c.Observe(Message{Type: MsgCopyInResponse})
	if !c.InCopy() {
		t.Error("copy mode should be set")
	}
	c.Observe(NewCopyDone())
	if c.InCopy() {
		t.Error("copy mode should clear on CopyDone")
	}
	c.Observe(NewCommandComplete("COPY 2"))
	c.Observe(NewReadyForQuery('I'))
	if !c.Done() {
		t.Error("copy request should complete")
	}
}
