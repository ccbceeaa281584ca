package wire

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"
)

// roundTrip writes a message and reads it back through a buffer.
func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteMessage(&buf, m); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return got
}

func TestMessageRoundTrip(t *testing.T) {
	msgs := []Message{
		NewQuery("SELECT 1"),
		NewTerminate(),
		NewPassword("hunter2"),
		NewAuthenticationOK(),
		NewAuthenticationSASL("SCRAM-SHA-256"),
		NewBackendKeyData(1234, 5678),
		NewParameterStatus("server_version", "15.0"),
		NewReadyForQuery('I'),
		NewReadyForQuery('T'),
		NewCommandComplete("SELECT 1"),
		NewEmptyQueryResponse(),
		NewErrorResponse("ERROR", "42601", "syntax error"),
		NewSync(),
		NewExecute("", 0),
		NewDescribe('S', "stmt_1"),
		NewClose('P', "portal"),
		NewCopyData([]byte("1\tvalue\n")),
		NewCopyDone(),
		NewCopyFail("aborted"),
		NewNotice("NOTICE", "00000", "something happened"),
	}
	for _, m := range msgs {
		got := roundTrip(t, m)
		if got.Type != m.Type {
			t.Errorf("type mismatch: sent %q got %q", m.Type, got.Type)
		}
		if !bytes.Equal(got.Payload, m.Payload) {
			t.Errorf("payload mismatch for %q: sent %v got %v", m.Type, m.Payload, got.Payload)
		}
	}
}

func TestReadMessageShortFrame(t *testing.T) {
	m := NewQuery("SELECT 1")
	encoded := m.Encode()

	// Cut the frame short after the header.
	_, err := ReadMessage(bytes.NewReader(encoded[:7]))
	if !errors.Is(err, ErrIncompleteFrame) {
		t.Errorf("expected ErrIncompleteFrame, got %v", err)
	}

	// A clean close before any bytes is plain EOF.
	_, err = ReadMessage(bytes.NewReader(nil))
	if !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestReadCStringInvalidUTF8(t *testing.T) {
	data := append([]byte{0xff, 0xfe, 0xfd}, 0)
	if _, _, err := ReadCString(data); err == nil {
		t.Error("expected error for invalid UTF-8")
	}
}

func TestStartupRoundTrip(t *testing.T) {
	params := map[string]string{
		"user":             "alice",
		"database":         "orders",
		"application_name": "app",
	}
	raw := NewStartup(params)

	payload, err := ReadStartup(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadStartup: %v", err)
	}
	startup, err := ParseStartup(payload)
	if err != nil {
		t.Fatalf("ParseStartup: %v", err)
	}
	if startup.Version != ProtocolVersion {
		t.Errorf("version = %d, want %d", startup.Version, ProtocolVersion)
	}
	if !reflect.DeepEqual(startup.Params, params) {
		t.Errorf("params = %v, want %v", startup.Params, params)
	}
}

func TestSSLAndCancelRequests(t *testing.T) {
	ssl := NewSSLRequest()
	payload, err := ReadStartup(bytes.NewReader(ssl))
	if err != nil {
		t.Fatalf("ReadStartup(ssl): %v", err)
	}
	if !IsSSLRequest(payload) {
		t.Error("SSLRequest not recognized")
	}
	if IsCancelRequest(payload) {
		t.Error("SSLRequest mistaken for CancelRequest")
	}

	cancel := NewCancelRequest(42, 99)
	payload, err = ReadStartup(bytes.NewReader(cancel))
	if err != nil {
		t.Fatalf("ReadStartup(cancel): %v", err)
	}
	if !IsCancelRequest(payload) {
		t.Error("CancelRequest not recognized")
	}
	pid, key, err := ParseCancelRequest(payload)
	if err != nil {
		t.Fatalf("ParseCancelRequest: %v", err)
	}
	if pid != 42 || key != 99 {
		t.Errorf("cancel pid/key = %d/%d, want 42/99", pid, key)
	}
}

func TestErrorFields(t *testing.T) {
	m := NewErrorResponse("FATAL", "28P01", `user "bob" and database "bob" is wrong, or the database does not exist`)
	fields := ErrorFields(m.Payload)
	if fields[FieldSeverity] != "FATAL" {
		t.Errorf("severity = %q", fields[FieldSeverity])
	}
	if fields[FieldCode] != "28P01" {
		t.Errorf("code = %q", fields[FieldCode])
	}
	if fields[FieldMessage] == "" {
		t.Error("message missing")
	}
}

func TestRowDescriptionRoundTrip(t *testing.T) {
	cols := []Column{
		{Name: "id", TypeOID: 20, TypeSize: 8, TypeModifier: -1},
		{Name: "name", TypeOID: 25, TypeSize: -1, TypeModifier: -1},
	}
	m := NewRowDescription(cols)
	got, err := ParseRowDescription(m.Payload)
	if err != nil {
		t.Fatalf("ParseRowDescription: %v", err)
	}
	if !reflect.DeepEqual(got, cols) {
		t.Errorf("columns = %+v, want %+v", got, cols)
	}
}

func TestDataRowRoundTrip(t *testing.T) {
	rows := [][][]byte{
		{[]byte("1"), []byte("alice")},
		{[]byte("2"), nil}, // NULL column
		{},
	}
	for _, cells := range rows {
		m := NewDataRow(cells)
		got, err := ParseDataRow(m.Payload)
		if err != nil {
			t.Fatalf("ParseDataRow: %v", err)
		}
		if len(got) != len(cells) {
			t.Fatalf("column count = %d, want %d", len(got), len(cells))
		}
		for i := range cells {
			if (cells[i] == nil) != (got[i] == nil) {
				t.Errorf("column %d null mismatch", i)
			}
			if !bytes.Equal(cells[i], got[i]) {
				t.Errorf("column %d = %v, want %v", i, got[i], cells[i])
			}
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	p := Parse{Name: "stmt_1", SQL: "SELECT $1", ParamOIDs: []uint32{20}}
	m := NewParse(p)
	got, err := ParseParse(m.Payload)
	if err != nil {
		t.Fatalf("ParseParse: %v", err)
	}
	if !reflect.DeepEqual(got, p) {
		t.Errorf("parse = %+v, want %+v", got, p)
	}
}

func TestBindRoundTrip(t *testing.T) {
	b := Bind{
		Portal:        "",
		Statement:     "stmt_1",
		ParamFormats:  []int16{0, 1},
		Params:        [][]byte{[]byte("42"), nil},
		ResultFormats: []int16{0},
	}
	m := NewBind(b)
	got, err := ParseBind(m.Payload)
	if err != nil {
		t.Fatalf("ParseBind: %v", err)
	}
	if got.Statement != b.Statement || got.Portal != b.Portal {
		t.Errorf("names = %q/%q", got.Portal, got.Statement)
	}
	if !reflect.DeepEqual(got.ParamFormats, b.ParamFormats) {
		t.Errorf("param formats = %v", got.ParamFormats)
	}
	if len(got.Params) != 2 || !bytes.Equal(got.Params[0], b.Params[0]) || got.Params[1] != nil {
		t.Errorf("params = %v", got.Params)
	}
}

func TestDescribeRoundTrip(t *testing.T) {
	m := NewDescribe('S', "stmt_9")
	kind, name, err := ParseDescribe(m.Payload)
	if err != nil {
		t.Fatalf("ParseDescribe: %v", err)
	}
	if kind != 'S' || name != "stmt_9" {
		t.Errorf("describe = %c %q", kind, name)
	}
}
