// Package wire implements the PostgreSQL frontend/backend protocol v3
// framing: typed message encode/decode, the client request buffer, and the
// reply counter used to find transaction boundaries.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Protocol constants.
const (
	ProtocolVersion = 3<<16 | 0 // v3.0

	SSLRequestCode    = 80877103
	CancelRequestCode = 80877102
)

// Frontend (client → server) message types.
const (
	MsgQuery        byte = 'Q'
	MsgParse        byte = 'P'
	MsgBind         byte = 'B'
	MsgDescribe     byte = 'D'
	MsgExecute      byte = 'E'
	MsgSync         byte = 'S'
	MsgClose        byte = 'C'
	MsgFlush        byte = 'H'
	MsgTerminate    byte = 'X'
	MsgPassword     byte = 'p'
	MsgCopyData     byte = 'd'
	MsgCopyDone     byte = 'c'
	MsgCopyFail     byte = 'f'
	MsgFunctionCall byte = 'F'
)

// Backend (server → client) message types.
const (
	MsgAuthentication       byte = 'R'
	MsgBackendKeyData       byte = 'K'
	MsgParameterStatus      byte = 'S'
	MsgReadyForQuery        byte = 'Z'
	MsgRowDescription       byte = 'T'
	MsgDataRow              byte = 'D'
	MsgCommandComplete      byte = 'C'
	MsgEmptyQueryResponse   byte = 'I'
	MsgErrorResponse        byte = 'E'
	MsgNoticeResponse       byte = 'N'
	MsgNotificationResponse byte = 'A'
	MsgParseComplete        byte = '1'
	MsgBindComplete         byte = '2'
	MsgCloseComplete        byte = '3'
	MsgParameterDescription byte = 't'
	MsgNoData               byte = 'n'
	MsgPortalSuspended      byte = 's'
	MsgCopyInResponse       byte = 'G'
	MsgCopyOutResponse      byte = 'H'
	MsgCopyBothResponse     byte = 'W'
)

// Authentication subtypes carried in an 'R' message.
const (
	AuthOK                = 0
	AuthCleartextPassword = 3
	AuthMD5Password       = 5
	AuthSASL              = 10
	AuthSASLContinue      = 11
	AuthSASLFinal         = 12
)

// ErrIncompleteFrame is returned when a frame declares more bytes than the
// stream delivered before closing.
var ErrIncompleteFrame = errors.New("wire: incomplete frame")

// maxMessageLen bounds a single frame. Anything larger is a desync or an
// attack, not a legitimate message.
const maxMessageLen = 1 << 30

// Message is one tagged protocol frame. Payload excludes the tag and the
// length field.
type Message struct {
	Type    byte
	Payload []byte
}

// ReadMessage reads exactly one framed message from the stream. A clean EOF
// before the tag byte surfaces as io.EOF; a short read mid-frame is
// ErrIncompleteFrame.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return Message{}, err
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		return Message{}, frameErr(err)
	}
	payloadLen := int(binary.BigEndian.Uint32(hdr[1:])) - 4
	if payloadLen < 0 || payloadLen > maxMessageLen {
		return Message{}, fmt.Errorf("wire: invalid message length %d", payloadLen+4)
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, frameErr(err)
		}
	}
	return Message{Type: hdr[0], Payload: payload}, nil
}

func frameErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrIncompleteFrame, io.ErrUnexpectedEOF)
	}
	return err
}

// WriteMessage writes tag|len|payload in a single Write call.
func WriteMessage(w io.Writer, m Message) error {
	buf := make([]byte, 1+4+len(m.Payload))
	buf[0] = m.Type
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(m.Payload)+4))
	copy(buf[5:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// Encode returns the full on-wire bytes of the message.
func (m Message) Encode() []byte {
	buf := make([]byte, 1+4+len(m.Payload))
	buf[0] = m.Type
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(m.Payload)+4))
	copy(buf[5:], m.Payload)
	return buf
}

// ReadStartup reads one untagged startup-phase frame: StartupMessage,
// SSLRequest, or CancelRequest. The returned payload starts at the protocol
// version / request code.
func ReadStartup(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	msgLen := int(binary.BigEndian.Uint32(lenBuf[:]))
	if msgLen < 8 || msgLen > 10000 {
		return nil, fmt.Errorf("wire: invalid startup message length %d", msgLen)
	}
	payload := make([]byte, msgLen-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, frameErr(err)
	}
	return payload, nil
}

// Startup is a parsed StartupMessage.
type Startup struct {
	Version uint32
	Params  map[string]string
}

// IsSSLRequest reports whether the startup payload is an SSLRequest probe.
func IsSSLRequest(payload []byte) bool {
	return len(payload) >= 4 && binary.BigEndian.Uint32(payload[:4]) == SSLRequestCode
}

// IsCancelRequest reports whether the startup payload is a CancelRequest.
func IsCancelRequest(payload []byte) bool {
	return len(payload) >= 4 && binary.BigEndian.Uint32(payload[:4]) == CancelRequestCode
}

// ParseCancelRequest extracts the backend pid and secret key.
func ParseCancelRequest(payload []byte) (pid, key uint32, err error) {
	if len(payload) < 12 {
		return 0, 0, fmt.Errorf("wire: cancel request too short")
	}
	return binary.BigEndian.Uint32(payload[4:8]), binary.BigEndian.Uint32(payload[8:12]), nil
}

// ParseStartup parses a StartupMessage payload into its parameter map.
func ParseStartup(payload []byte) (Startup, error) {
	if len(payload) < 4 {
		return Startup{}, fmt.Errorf("wire: startup message too short")
	}
	s := Startup{
		Version: binary.BigEndian.Uint32(payload[:4]),
		Params:  make(map[string]string),
	}
	data := payload[4:]
	for len(data) > 1 {
		key, rest, err := ReadCString(data)
		if err != nil {
			return Startup{}, err
		}
		if key == "" {
			break
		}
		val, rest, err := ReadCString(rest)
		if err != nil {
			return Startup{}, err
		}
		s.Params[key] = val
		data = rest
	}
	return s, nil
}

// NewStartup builds a StartupMessage (untagged) from a parameter map: user
// first, the other pairs in map iteration order.
func NewStartup(params map[string]string) []byte {
	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, ProtocolVersion)
	body = append(body, ver...)
	// user first: some backends log it from the first parameter.
	if u, ok := params["user"]; ok {
		body = appendCString(append(body, "user\x00"...), u)
	}
	for k, v := range params {
		if k == "user" {
			continue
		}
		body = appendCString(appendCString(body, k), v)
	}
	body = append(body, 0)
	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(4+len(body)))
	copy(msg[4:], body)
	return msg
}

// NewSSLRequest builds the untagged SSLRequest frame.
func NewSSLRequest() []byte {
	msg := make([]byte, 8)
	binary.BigEndian.PutUint32(msg[:4], 8)
	binary.BigEndian.PutUint32(msg[4:], SSLRequestCode)
	return msg
}

// NewCancelRequest builds the untagged CancelRequest frame.
func NewCancelRequest(pid, key uint32) []byte {
	msg := make([]byte, 16)
	binary.BigEndian.PutUint32(msg[:4], 16)
	binary.BigEndian.PutUint32(msg[4:8], CancelRequestCode)
	binary.BigEndian.PutUint32(msg[8:12], pid)
	binary.BigEndian.PutUint32(msg[12:16], key)
	return msg
}

// ReadCString reads a NUL-terminated UTF-8 string from data and returns the
// remainder. Invalid UTF-8 fails the frame.
func ReadCString(data []byte) (string, []byte, error) {
	for i := 0; i < len(data); i++ {
		if data[i] == 0 {
			if !utf8.Valid(data[:i]) {
				return "", nil, fmt.Errorf("wire: invalid UTF-8 in string")
			}
			return string(data[:i]), data[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("wire: unterminated string")
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// NewQuery builds a simple Query message.
func NewQuery(sql string) Message {
	return Message{Type: MsgQuery, Payload: appendCString(nil, sql)}
}

// QueryString extracts the SQL text from a Query payload.
func QueryString(payload []byte) (string, error) {
	s, _, err := ReadCString(payload)
	return s, err
}

// NewTerminate builds a Terminate message.
func NewTerminate() Message {
	return Message{Type: MsgTerminate}
}

// NewPassword builds a PasswordMessage ('p'). The same tag carries SASL
// responses; see NewSASLInitialResponse.
func NewPassword(password string) Message {
	return Message{Type: MsgPassword, Payload: appendCString(nil, password)}
}

// NewSASLInitialResponse builds the first SASL 'p' message: mechanism name
// followed by the length-prefixed client-first-message.
func NewSASLInitialResponse(mechanism string, data []byte) Message {
	payload := appendCString(nil, mechanism)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	payload = append(payload, lenBuf...)
	payload = append(payload, data...)
	return Message{Type: MsgPassword, Payload: payload}
}

// NewSASLResponse builds a continuation SASL 'p' message.
func NewSASLResponse(data []byte) Message {
	return Message{Type: MsgPassword, Payload: data}
}

// NewAuthentication builds an 'R' message with the given subtype and body.
func NewAuthentication(subtype uint32, body []byte) Message {
	payload := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(payload[:4], subtype)
	copy(payload[4:], body)
	return Message{Type: MsgAuthentication, Payload: payload}
}

// NewAuthenticationOK builds AuthenticationOk.
func NewAuthenticationOK() Message {
	return NewAuthentication(AuthOK, nil)
}

// NewAuthenticationSASL builds AuthenticationSASL advertising mechanisms.
func NewAuthenticationSASL(mechanisms ...string) Message {
	var body []byte
	for _, m := range mechanisms {
		body = appendCString(body, m)
	}
	body = append(body, 0)
	return NewAuthentication(AuthSASL, body)
}

// NewAuthenticationMD5 builds AuthenticationMD5Password with the salt.
func NewAuthenticationMD5(salt [4]byte) Message {
	return NewAuthentication(AuthMD5Password, salt[:])
}

// AuthSubtype returns the subtype of an 'R' message payload.
func AuthSubtype(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("wire: authentication message too short")
	}
	return binary.BigEndian.Uint32(payload[:4]), nil
}

// NewBackendKeyData builds a 'K' message.
func NewBackendKeyData(pid, key uint32) Message {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[:4], pid)
	binary.BigEndian.PutUint32(payload[4:], key)
	return Message{Type: MsgBackendKeyData, Payload: payload}
}

// ParseBackendKeyData extracts pid and secret key from a 'K' payload.
func ParseBackendKeyData(payload []byte) (pid, key uint32, err error) {
	if len(payload) < 8 {
		return 0, 0, fmt.Errorf("wire: backend key data too short")
	}
	return binary.BigEndian.Uint32(payload[:4]), binary.BigEndian.Uint32(payload[4:8]), nil
}

// NewParameterStatus builds an 'S' message.
func NewParameterStatus(key, value string) Message {
	return Message{Type: MsgParameterStatus, Payload: appendCString(appendCString(nil, key), value)}
}

// ParseParameterStatus extracts the key/value pair from an 'S' payload.
func ParseParameterStatus(payload []byte) (key, value string, err error) {
	key, rest, err := ReadCString(payload)
	if err != nil {
		return "", "", err
	}
	value, _, err = ReadCString(rest)
	return key, value, err
}

// NewReadyForQuery builds a 'Z' message with the transaction status:
// 'I' idle, 'T' in transaction, 'E' failed transaction.
func NewReadyForQuery(status byte) Message {
	return Message{Type: MsgReadyForQuery, Payload: []byte{status}}
}

// TxStatus returns the transaction status byte of a 'Z' payload.
func TxStatus(payload []byte) byte {
	if len(payload) < 1 {
		return 'I'
	}
	return payload[0]
}

// NewCommandComplete builds a 'C' message with the given tag.
func NewCommandComplete(tag string) Message {
	return Message{Type: MsgCommandComplete, Payload: appendCString(nil, tag)}
}

// CommandTag returns the tag of a CommandComplete payload.
func CommandTag(payload []byte) (string, error) {
	tag, _, err := ReadCString(payload)
	return tag, err
}

// NewEmptyQueryResponse builds an 'I' message.
func NewEmptyQueryResponse() Message {
	return Message{Type: MsgEmptyQueryResponse}
}

// ErrorField codes used in ErrorResponse / NoticeResponse.
const (
	FieldSeverity = 'S'
	FieldCode     = 'C'
	FieldMessage  = 'M'
	FieldDetail   = 'D'
)

// NewErrorResponse builds an 'E' message with severity, SQLSTATE code and
// message fields.
func NewErrorResponse(severity, code, message string) Message {
	var buf []byte
	buf = append(buf, FieldSeverity)
	buf = appendCString(buf, severity)
	buf = append(buf, FieldCode)
	buf = appendCString(buf, code)
	buf = append(buf, FieldMessage)
	buf = appendCString(buf, message)
	buf = append(buf, 0)
	return Message{Type: MsgErrorResponse, Payload: buf}
}

// ErrorFields parses an ErrorResponse payload into a field-code → value map.
func ErrorFields(payload []byte) map[byte]string {
	fields := make(map[byte]string)
	data := payload
	for len(data) > 0 && data[0] != 0 {
		code := data[0]
		val, rest, err := ReadCString(data[1:])
		if err != nil {
			break
		}
		fields[code] = val
		data = rest
	}
	return fields
}

// Column describes one field of a RowDescription.
type Column struct {
	Name         string
	TableOID     uint32
	ColumnAttr   uint16
	TypeOID      uint32
	TypeSize     int16
	TypeModifier int32
	Format       int16
}

// NewRowDescription builds a 'T' message.
func NewRowDescription(cols []Column) Message {
	payload := make([]byte, 2, 2+len(cols)*24)
	binary.BigEndian.PutUint16(payload[:2], uint16(len(cols)))
	for _, c := range cols {
		payload = appendCString(payload, c.Name)
		payload = binary.BigEndian.AppendUint32(payload, c.TableOID)
		payload = binary.BigEndian.AppendUint16(payload, c.ColumnAttr)
		payload = binary.BigEndian.AppendUint32(payload, c.TypeOID)
		payload = binary.BigEndian.AppendUint16(payload, uint16(c.TypeSize))
		payload = binary.BigEndian.AppendUint32(payload, uint32(c.TypeModifier))
		payload = binary.BigEndian.AppendUint16(payload, uint16(c.Format))
	}
	return Message{Type: MsgRowDescription, Payload: payload}
}

// ParseRowDescription decodes a 'T' payload.
func ParseRowDescription(payload []byte) ([]Column, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("wire: row description too short")
	}
	n := int(binary.BigEndian.Uint16(payload[:2]))
	data := payload[2:]
	cols := make([]Column, 0, n)
	for i := 0; i < n; i++ {
		name, rest, err := ReadCString(data)
		if err != nil {
			return nil, err
		}
		if len(rest) < 18 {
			return nil, fmt.Errorf("wire: row description column truncated")
		}
		cols = append(cols, Column{
			Name:         name,
			TableOID:     binary.BigEndian.Uint32(rest[0:4]),
			ColumnAttr:   binary.BigEndian.Uint16(rest[4:6]),
			TypeOID:      binary.BigEndian.Uint32(rest[6:10]),
			TypeSize:     int16(binary.BigEndian.Uint16(rest[10:12])),
			TypeModifier: int32(binary.BigEndian.Uint32(rest[12:16])),
			Format:       int16(binary.BigEndian.Uint16(rest[16:18])),
		})
		data = rest[18:]
	}
	return cols, nil
}

// NewDataRow builds a 'D' (backend) message. A nil column encodes SQL NULL.
func NewDataRow(columns [][]byte) Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload[:2], uint16(len(columns)))
	for _, col := range columns {
		if col == nil {
			payload = binary.BigEndian.AppendUint32(payload, 0xffffffff)
			continue
		}
		payload = binary.BigEndian.AppendUint32(payload, uint32(len(col)))
		payload = append(payload, col...)
	}
	return Message{Type: MsgDataRow, Payload: payload}
}

// ParseDataRow decodes a 'D' payload into its columns; NULL columns are nil.
func ParseDataRow(payload []byte) ([][]byte, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("wire: data row too short")
	}
	n := int(binary.BigEndian.Uint16(payload[:2]))
	data := payload[2:]
	cols := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if len(data) < 4 {
			return nil, fmt.Errorf("wire: data row truncated")
		}
		colLen := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if colLen == 0xffffffff {
			cols = append(cols, nil)
			continue
		}
		if int(colLen) > len(data) {
			return nil, fmt.Errorf("wire: data row column overruns frame")
		}
		cols = append(cols, data[:colLen:colLen])
		data = data[colLen:]
	}
	return cols, nil
}

// Parse is a decoded 'P' (frontend) message.
type Parse struct {
	Name      string
	SQL       string
	ParamOIDs []uint32
}

// NewParse builds a 'P' message.
func NewParse(p Parse) Message {
	payload := appendCString(nil, p.Name)
	payload = appendCString(payload, p.SQL)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(p.ParamOIDs)))
	for _, oid := range p.ParamOIDs {
		payload = binary.BigEndian.AppendUint32(payload, oid)
	}
	return Message{Type: MsgParse, Payload: payload}
}

// ParseParse decodes a 'P' payload.
func ParseParse(payload []byte) (Parse, error) {
	name, rest, err := ReadCString(payload)
	if err != nil {
		return Parse{}, err
	}
	sql, rest, err := ReadCString(rest)
	if err != nil {
		return Parse{}, err
	}
	if len(rest) < 2 {
		return Parse{}, fmt.Errorf("wire: parse message truncated")
	}
	n := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < n*4 {
		return Parse{}, fmt.Errorf("wire: parse message truncated")
	}
	oids := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		oids = append(oids, binary.BigEndian.Uint32(rest[i*4:i*4+4]))
	}
	return Parse{Name: name, SQL: sql, ParamOIDs: oids}, nil
}

// Bind is a decoded 'B' (frontend) message.
type Bind struct {
	Portal        string
	Statement     string
	ParamFormats  []int16
	Params        [][]byte // nil element = NULL
	ResultFormats []int16
}

// NewBind builds a 'B' message.
func NewBind(b Bind) Message {
	payload := appendCString(nil, b.Portal)
	payload = appendCString(payload, b.Statement)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(b.ParamFormats)))
	for _, f := range b.ParamFormats {
		payload = binary.BigEndian.AppendUint16(payload, uint16(f))
	}
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(b.Params)))
	for _, p := range b.Params {
		if p == nil {
			payload = binary.BigEndian.AppendUint32(payload, 0xffffffff)
			continue
		}
		payload = binary.BigEndian.AppendUint32(payload, uint32(len(p)))
		payload = append(payload, p...)
	}
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(b.ResultFormats)))
	for _, f := range b.ResultFormats {
		payload = binary.BigEndian.AppendUint16(payload, uint16(f))
	}
	return Message{Type: MsgBind, Payload: payload}
}

// ParseBind decodes a 'B' payload.
func ParseBind(payload []byte) (Bind, error) {
	portal, rest, err := ReadCString(payload)
	if err != nil {
		return Bind{}, err
	}
	stmt, rest, err := ReadCString(rest)
	if err != nil {
		return Bind{}, err
	}
	b := Bind{Portal: portal, Statement: stmt}
	readU16 := func() (int, error) {
		if len(rest) < 2 {
			return 0, fmt.Errorf("wire: bind message truncated")
		}
		v := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		return v, nil
	}
	nf, err := readU16()
	if err != nil {
		return Bind{}, err
	}
	for i := 0; i < nf; i++ {
		f, err := readU16()
		if err != nil {
			return Bind{}, err
		}
		b.ParamFormats = append(b.ParamFormats, int16(f))
	}
	np, err := readU16()
	if err != nil {
		return Bind{}, err
	}
	for i := 0; i < np; i++ {
		if len(rest) < 4 {
			return Bind{}, fmt.Errorf("wire: bind message truncated")
		}
		plen := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if plen == 0xffffffff {
			b.Params = append(b.Params, nil)
			continue
		}
		if int(plen) > len(rest) {
			return Bind{}, fmt.Errorf("wire: bind parameter overruns frame")
		}
		b.Params = append(b.Params, rest[:plen:plen])
		rest = rest[plen:]
	}
	nr, err := readU16()
	if err != nil {
		return Bind{}, err
	}
	for i := 0; i < nr; i++ {
		f, err := readU16()
		if err != nil {
			return Bind{}, err
		}
		b.ResultFormats = append(b.ResultFormats, int16(f))
	}
	return b, nil
}

// NewDescribe builds a 'D' (frontend) message. kind is 'S' or 'P'.
func NewDescribe(kind byte, name string) Message {
	payload := append([]byte{kind}, appendCString(nil, name)...)
	return Message{Type: MsgDescribe, Payload: payload}
}

// ParseDescribe decodes a frontend 'D' payload.
func ParseDescribe(payload []byte) (kind byte, name string, err error) {
	if len(payload) < 1 {
		return 0, "", fmt.Errorf("wire: describe message too short")
	}
	name, _, err = ReadCString(payload[1:])
	return payload[0], name, err
}

// NewExecute builds an 'E' (frontend) message.
func NewExecute(portal string, maxRows uint32) Message {
	payload := appendCString(nil, portal)
	payload = binary.BigEndian.AppendUint32(payload, maxRows)
	return Message{Type: MsgExecute, Payload: payload}
}

// NewClose builds a frontend 'C' message. kind is 'S' or 'P'.
func NewClose(kind byte, name string) Message {
	payload := append([]byte{kind}, appendCString(nil, name)...)
	return Message{Type: MsgClose, Payload: payload}
}

// NewSync builds an 'S' (frontend) message.
func NewSync() Message {
	return Message{Type: MsgSync}
}

// NewCopyData builds a 'd' message.
func NewCopyData(data []byte) Message {
	return Message{Type: MsgCopyData, Payload: data}
}

// NewCopyDone builds a 'c' message.
func NewCopyDone() Message {
	return Message{Type: MsgCopyDone}
}

// NewCopyFail builds an 'f' message.
func NewCopyFail(reason string) Message {
	return Message{Type: MsgCopyFail, Payload: appendCString(nil, reason)}
}

// NewNotice builds an 'N' message with the same field layout as errors.
func NewNotice(severity, code, message string) Message {
	m := NewErrorResponse(severity, code, message)
	m.Type = MsgNoticeResponse
	return m
}
