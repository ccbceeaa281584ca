// Package scram implements the SCRAM-SHA-256 SASL mechanism in both roles:
// client (authenticating to a backend server) and server (authenticating a
// connecting client against a known password).
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Mechanism is the SASL mechanism name advertised and accepted.
const Mechanism = "SCRAM-SHA-256"

// DefaultIterations is the PBKDF2 iteration count used when this proxy acts
// as the SASL server.
const DefaultIterations = 4096

const gs2Header = "n,,"

// Client drives the client side of the exchange.
type Client struct {
	user     string
	password string

	clientNonce     string
	clientFirstBare string
	authMessage     string
	saltedPassword  []byte
}

// NewClient creates a client for the given credentials.
func NewClient(user, password string) (*Client, error) {
	nonce, err := makeNonce()
	if err != nil {
		return nil, err
	}
	return &Client{user: user, password: password, clientNonce: nonce}, nil
}

// First returns the client-first-message.
func (c *Client) First() []byte {
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", escapeUsername(c.user), c.clientNonce)
	return []byte(gs2Header + c.clientFirstBare)
}

// Final consumes the server-first-message and returns the
// client-final-message carrying the proof.
func (c *Client) Final(serverFirst []byte) ([]byte, error) {
	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirst))
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(serverNonce, c.clientNonce) {
		return nil, fmt.Errorf("scram: server nonce does not extend client nonce")
	}

	c.saltedPassword = pbkdf2.Key([]byte(c.password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(c.saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	c.authMessage = c.clientFirstBare + "," + string(serverFirst) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(c.authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	return []byte(clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)), nil
}

// Verify checks the server-final-message signature.
func (c *Client) Verify(serverFinal []byte) error {
	serverKey := hmacSHA256(c.saltedPassword, []byte("Server Key"))
	expected := "v=" + base64.StdEncoding.EncodeToString(hmacSHA256(serverKey, []byte(c.authMessage)))
	if string(serverFinal) != expected {
		return fmt.Errorf("scram: server signature mismatch")
	}
	return nil
}

// Server drives the server side of the exchange against a plaintext
// password. A fresh salt is generated per handshake; the iteration count is
// always DefaultIterations.
type Server struct {
	password string

	serverNonce string
	salt        []byte
	iterations  int

	clientFirstBare string
	serverFirst     string
	authMessage     string
	saltedPassword  []byte
}

// NewServer creates a server for the expected password.
func NewServer(password string) (*Server, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("scram: generating salt: %w", err)
	}
	return &Server{password: password, salt: salt, iterations: DefaultIterations}, nil
}

// First consumes the client-first-message and returns the
// server-first-message.
func (s *Server) First(clientFirst []byte) ([]byte, error) {
	msg := string(clientFirst)
	if !strings.HasPrefix(msg, gs2Header) {
		return nil, fmt.Errorf("scram: unsupported gs2 header in %q", msg)
	}
	s.clientFirstBare = strings.TrimPrefix(msg, gs2Header)

	var clientNonce string
	for _, part := range strings.Split(s.clientFirstBare, ",") {
		if strings.HasPrefix(part, "r=") {
			clientNonce = part[2:]
		}
	}
	if clientNonce == "" {
		return nil, fmt.Errorf("scram: client-first-message missing nonce")
	}

	ext, err := makeNonce()
	if err != nil {
		return nil, err
	}
	s.serverNonce = clientNonce + ext
	s.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d",
		s.serverNonce, base64.StdEncoding.EncodeToString(s.salt), s.iterations)
	return []byte(s.serverFirst), nil
}

// Final consumes the client-final-message, verifies the proof, and returns
// the server-final-message.
func (s *Server) Final(clientFinal []byte) ([]byte, error) {
	msg := string(clientFinal)
	var nonce, proofB64, channelBinding string
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "p="):
			proofB64 = part[2:]
		case strings.HasPrefix(part, "c="):
			channelBinding = part[2:]
		}
	}
	if nonce != s.serverNonce {
		return nil, fmt.Errorf("scram: nonce mismatch")
	}
	if channelBinding != base64.StdEncoding.EncodeToString([]byte(gs2Header)) {
		return nil, fmt.Errorf("scram: unexpected channel binding")
	}
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return nil, fmt.Errorf("scram: decoding proof: %w", err)
	}

	withoutProof := msg[:strings.LastIndex(msg, ",p=")]
	s.authMessage = s.clientFirstBare + "," + s.serverFirst + "," + withoutProof

	s.saltedPassword = pbkdf2.Key([]byte(s.password), s.salt, s.iterations, 32, sha256.New)
	clientKey := hmacSHA256(s.saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	clientSignature := hmacSHA256(storedKey, []byte(s.authMessage))

	recovered := xorBytes(proof, clientSignature)
	if !hmac.Equal(sha256Sum(recovered), storedKey) {
		return nil, fmt.Errorf("scram: proof verification failed")
	}

	serverKey := hmacSHA256(s.saltedPassword, []byte("Server Key"))
	serverSignature := hmacSHA256(serverKey, []byte(s.authMessage))
	return []byte("v=" + base64.StdEncoding.EncodeToString(serverSignature)), nil
}

func makeNonce() (string, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("scram: generating nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// parseServerFirst parses "r=<nonce>,s=<salt>,i=<iterations>".
func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("scram: decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, _ = strconv.Atoi(part[2:])
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("scram: incomplete server-first-message %q", msg)
	}
	return nonce, salt, iterations, nil
}

// escapeUsername replaces "=" with "=3D" and "," with "=2C" per RFC 5802.
func escapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	return strings.ReplaceAll(user, ",", "=2C")
}

// ParseMechanisms parses the NUL-separated mechanism list of an
// AuthenticationSASL body.
func ParseMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}

// Supported reports whether the mechanism list offers SCRAM-SHA-256.
func Supported(mechs []string) bool {
	for _, m := range mechs {
		if m == Mechanism {
			return true
		}
	}
	return false
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
