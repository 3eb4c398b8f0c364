// Package securejoin implements SecureJoin (§4.8): the QR-initiated,
// four-message out-of-band verification handshake that lets two
// accounts (or an account joining a verified group) establish a
// mutually-verified Peerstate without comparing fingerprints by hand.
//
// Grounded on core/keystore for Peerstate storage and core/model.Token
// for the random invitenumber/auth values exchanged through the QR
// code and the handshake itself; the message-sending side is kept
// behind a small Mailer interface so this package does not need to
// know how the I/O Scheduler's SMTP loop actually gets a message onto
// the wire (see core/scheduler, which implements Mailer by enqueuing a
// Job the same way the rest of the outbound path does).
package securejoin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"inkmail.dev/chatcore/core/keystore"
	"inkmail.dev/chatcore/core/model"
	"inkmail.dev/chatcore/internal/elog"
)

// Mailer is the narrow send capability the handshake needs: compose
// and queue one SecureJoin protocol message, its Chat-* headers set by
// the caller, to toAddr.
type Mailer interface {
	SendSecureJoin(ctx context.Context, toAddr string, headers map[string]string, body string) error
}

// Manager drives the handshake for one account context.
type Manager struct {
	DB       *sqlitex.Pool
	KeyStore *keystore.KeyStore
	Mailer   Mailer
	SelfAddr string
	Logf     elog.Logf
}

// New wires a Manager around an already-open KeyStore and Mailer.
func New(db *sqlitex.Pool, ks *keystore.KeyStore, mailer Mailer, selfAddr string) *Manager {
	return &Manager{DB: db, KeyStore: ks, Mailer: mailer, SelfAddr: selfAddr, Logf: elog.New("securejoin")}
}

// randToken returns a fresh random value suitable for an invitenumber
// or auth token: 48 bits of entropy, hex-encoded, short enough to
// round-trip through a QR code comfortably.
func randToken() (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// mintToken persists a fresh Token in namespace ns, scoped to chatID
// (0 for a bare SetupContact handshake).
func mintToken(conn *sqlite.Conn, ns model.TokenNamespace, chatID int64, value string, now time.Time) (int64, error) {
	stmt := conn.Prep(`INSERT INTO Tokens (Namespace, ChatID, Value, CreatedAt) VALUES ($ns, $chatID, $value, $now);`)
	stmt.SetInt64("$ns", int64(ns))
	stmt.SetInt64("$chatID", chatID)
	stmt.SetText("$value", value)
	stmt.SetInt64("$now", now.Unix())
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return conn.LastInsertRowID(), nil
}

// findToken looks up a Token by namespace+chatID+value, the lookup the
// inviter side does against what it minted at QR-generation time.
func findToken(conn *sqlite.Conn, ns model.TokenNamespace, chatID int64, value string) (bool, error) {
	stmt := conn.Prep(`SELECT 1 FROM Tokens WHERE Namespace = $ns AND ChatID = $chatID AND Value = $value;`)
	stmt.SetInt64("$ns", int64(ns))
	stmt.SetInt64("$chatID", chatID)
	stmt.SetText("$value", value)
	hasRow, err := stmt.Step()
	stmt.Reset()
	return hasRow, err
}

// StartSetupContact mints a fresh invitenumber/auth pair and returns
// the "OPENPGP4FPR:" QR payload a peer scans to begin a 1:1
// handshake (the "vc-" message family).
func (m *Manager) StartSetupContact(ctx context.Context) (qr string, err error) {
	return m.start(ctx, 0)
}

// StartJoinGroup mints the same pair scoped to chatID, producing a QR
// payload that also carries the group id so the resulting handshake
// runs the "vg-" message family and ends with group membership.
func (m *Manager) StartJoinGroup(ctx context.Context, chatID int64, grpID string) (qr string, err error) {
	return m.start(ctx, chatID, grpID)
}

func (m *Manager) start(ctx context.Context, chatID int64, grpID ...string) (string, error) {
	conn := m.DB.Get(ctx)
	if conn == nil {
		return "", context.Canceled
	}
	defer m.DB.Put(conn)

	invite, err := randToken()
	if err != nil {
		return "", err
	}
	auth, err := randToken()
	if err != nil {
		return "", err
	}
	now := time.Now()
	if _, err := mintToken(conn, model.TokenInviteNumber, chatID, invite, now); err != nil {
		return "", err
	}
	if _, err := mintToken(conn, model.TokenAuth, chatID, auth, now); err != nil {
		return "", err
	}

	kp, err := m.KeyStore.EnsureKeypair(ctx)
	if err != nil {
		return "", err
	}

	v := url.Values{}
	v.Set("a", m.SelfAddr)
	v.Set("i", invite)
	v.Set("s", auth)
	if len(grpID) > 0 && grpID[0] != "" {
		v.Set("x", grpID[0])
	}
	return fmt.Sprintf("OPENPGP4FPR:%s#%s", kp.Fingerprint, v.Encode()), nil
}

// ParsedQR is a decoded SecureJoin QR payload.
type ParsedQR struct {
	Fingerprint string
	Addr        string
	Invite      string
	Auth        string
	GrpID       string // "" for a bare SetupContact QR
}

// ParseQR decodes a QR payload produced by StartSetupContact or
// StartJoinGroup.
func ParseQR(qr string) (ParsedQR, error) {
	const prefix = "OPENPGP4FPR:"
	if !strings.HasPrefix(qr, prefix) {
		return ParsedQR{}, fmt.Errorf("securejoin: not an OPENPGP4FPR code")
	}
	rest := qr[len(prefix):]
	i := strings.IndexByte(rest, '#')
	if i < 0 {
		return ParsedQR{}, fmt.Errorf("securejoin: missing query part")
	}
	fpr := rest[:i]
	v, err := url.ParseQuery(rest[i+1:])
	if err != nil {
		return ParsedQR{}, fmt.Errorf("securejoin: bad query: %w", err)
	}
	return ParsedQR{
		Fingerprint: fpr,
		Addr:        v.Get("a"),
		Invite:      v.Get("i"),
		Auth:        v.Get("s"),
		GrpID:       v.Get("x"),
	}, nil
}
