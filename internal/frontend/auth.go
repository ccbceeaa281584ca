package frontend

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/shardgate/shardgate/internal/config"
	"github.com/shardgate/shardgate/internal/scram"
	"github.com/shardgate/shardgate/internal/wire"
)

// authErrorMessage returns the canonical rejection. The exact wording is part of
// the external contract: client test suites match on it.
func authErrorMessage(user, database string) string {
	return fmt.Sprintf("user %q and database %q is wrong, or the database does not exist", user, database)
}

// authenticateClient runs the configured challenge against the connecting
// client. The expected password comes from the users file; the method from
// general.auth_type.
func authenticateClient(conn net.Conn, authType config.AuthType, user, database, password string) error {
	switch authType {
	case config.AuthTrust:
		return nil
	case config.AuthCleartext:
		return authCleartext(conn, password)
	case config.AuthMD5:
		return authMD5(conn, user, password)
	case config.AuthSCRAM:
		return authSCRAM(conn, password)
	default:
		return fmt.Errorf("frontend: unsupported auth type %q", authType)
	}
}

func authCleartext(conn net.Conn, password string) error {
	if err := wire.WriteMessage(conn, wire.NewAuthentication(wire.AuthCleartextPassword, nil)); err != nil {
		return err
	}
	m, err := wire.ReadMessage(conn)
	if err != nil {
		return err
	}
	if m.Type != wire.MsgPassword {
		return fmt.Errorf("frontend: expected password message, got %q", m.Type)
	}
	got, _, err := wire.ReadCString(m.Payload)
	if err != nil {
		return err
	}
	if got != password {
		return fmt.Errorf("frontend: password mismatch")
	}
	return nil
}

func authMD5(conn net.Conn, user, password string) error {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return err
	}
	if err := wire.WriteMessage(conn, wire.NewAuthenticationMD5(salt)); err != nil {
		return err
	}
	m, err := wire.ReadMessage(conn)
	if err != nil {
		return err
	}
	if m.Type != wire.MsgPassword {
		return fmt.Errorf("frontend: expected password message, got %q", m.Type)
	}
	got, _, err := wire.ReadCString(m.Payload)
	if err != nil {
		return err
	}

	h1 := md5.Sum([]byte(password + user))
	h2 := md5.Sum(append([]byte(hex.EncodeToString(h1[:])), salt[:]...))
	want := "md5" + hex.EncodeToString(h2[:])
	if got != want {
		return fmt.Errorf("frontend: md5 password mismatch")
	}
	return nil
}

// authSCRAM drives the server side of SCRAM-SHA-256 with the client.
func authSCRAM(conn net.Conn, password string) error {
	if err := wire.WriteMessage(conn, wire.NewAuthenticationSASL(scram.Mechanism)); err != nil {
		return err
	}

	// SASLInitialResponse: mechanism name, then length-prefixed data.
	m, err := wire.ReadMessage(conn)
	if err != nil {
		return err
	}
	if m.Type != wire.MsgPassword {
		return fmt.Errorf("frontend: expected SASL initial response, got %q", m.Type)
	}
	mech, rest, err := wire.ReadCString(m.Payload)
	if err != nil {
		return err
	}
	if mech != scram.Mechanism {
		return fmt.Errorf("frontend: unsupported SASL mechanism %q", mech)
	}
	if len(rest) < 4 {
		return fmt.Errorf("frontend: malformed SASL initial response")
	}
	clientFirst := rest[4:]

	srv, err := scram.NewServer(password)
	if err != nil {
		return err
	}
	serverFirst, err := srv.First(clientFirst)
	if err != nil {
		return err
	}
	if err := wire.WriteMessage(conn, wire.NewAuthentication(wire.AuthSASLContinue, serverFirst)); err != nil {
		return err
	}

	m, err = wire.ReadMessage(conn)
	if err != nil {
		return err
	}
	if m.Type != wire.MsgPassword {
		return fmt.Errorf("frontend: expected SASL response, got %q", m.Type)
	}
	serverFinal, err := srv.Final(m.Payload)
	if err != nil {
		return err
	}
	return wire.WriteMessage(conn, wire.NewAuthentication(wire.AuthSASLFinal, serverFinal))
}
