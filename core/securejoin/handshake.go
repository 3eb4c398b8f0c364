package securejoin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crawshaw.io/sqlite"

	"inkmail.dev/chatcore/core/envelope"
	"inkmail.dev/chatcore/core/model"
)

// Join is the joiner's entry point: it scans qr, records the pending
// handshake state, and sends step (a), a vc-request or vg-request
// (depending on whether the QR carries a group id).
func (m *Manager) Join(ctx context.Context, qr string) error {
	parsed, err := ParseQR(qr)
	if err != nil {
		return err
	}

	conn := m.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	if err := savePendingJoin(conn, parsed); err != nil {
		m.DB.Put(conn)
		return err
	}
	m.DB.Put(conn)

	hdrs := map[string]string{
		"Secure-Join":              requestName(parsed.GrpID),
		"Secure-Join-Invitenumber": parsed.Invite,
	}
	if parsed.GrpID != "" {
		hdrs["Secure-Join-Group"] = parsed.GrpID
	}
	return m.Mailer.SendSecureJoin(ctx, parsed.Addr, hdrs, "")
}

func requestName(grpID string) string {
	if grpID != "" {
		return "vg-request"
	}
	return "vc-request"
}

func savePendingJoin(conn *sqlite.Conn, p ParsedQR) error {
	stmt := conn.Prep(`INSERT INTO PendingJoins (InviterAddr, Fingerprint, Invite, Auth, GrpID, CreatedAt)
		VALUES ($addr, $fpr, $invite, $auth, $grpID, $now)
		ON CONFLICT(InviterAddr) DO UPDATE SET Fingerprint=excluded.Fingerprint,
			Invite=excluded.Invite, Auth=excluded.Auth, GrpID=excluded.GrpID, CreatedAt=excluded.CreatedAt;`)
	stmt.SetText("$addr", p.Addr)
	stmt.SetText("$fpr", p.Fingerprint)
	stmt.SetText("$invite", p.Invite)
	stmt.SetText("$auth", p.Auth)
	stmt.SetText("$grpID", p.GrpID)
	stmt.SetInt64("$now", time.Now().Unix())
	_, err := stmt.Step()
	return err
}

func loadPendingJoin(conn *sqlite.Conn, inviterAddr string) (ParsedQR, bool, error) {
	stmt := conn.Prep(`SELECT Fingerprint, Invite, Auth, GrpID FROM PendingJoins WHERE InviterAddr = $addr;`)
	stmt.SetText("$addr", inviterAddr)
	hasRow, err := stmt.Step()
	if err != nil {
		return ParsedQR{}, false, err
	}
	if !hasRow {
		stmt.Reset()
		return ParsedQR{}, false, nil
	}
	p := ParsedQR{
		Addr:        inviterAddr,
		Fingerprint: stmt.GetText("Fingerprint"),
		Invite:      stmt.GetText("Invite"),
		Auth:        stmt.GetText("Auth"),
		GrpID:       stmt.GetText("GrpID"),
	}
	stmt.Reset()
	return p, true, nil
}

func deletePendingJoin(conn *sqlite.Conn, inviterAddr string) error {
	stmt := conn.Prep(`DELETE FROM PendingJoins WHERE InviterAddr = $addr;`)
	stmt.SetText("$addr", inviterAddr)
	_, err := stmt.Step()
	return err
}

// markVerified upgrades contactID's Peerstate to PeerstateVerifiedManually,
// the §8.5 invariant's "fresh QR scan" escape hatch for changing an
// already-set verified_key.
func markVerified(conn *sqlite.Conn, contactID int64) error {
	stmt := conn.Prep(`UPDATE Peerstates SET PublicKeyVerified = $v WHERE ContactID = $contactID;`)
	stmt.SetInt64("$v", int64(model.PeerstateVerifiedManually))
	stmt.SetInt64("$contactID", contactID)
	_, err := stmt.Step()
	return err
}

func peerstateFpr(conn *sqlite.Conn, contactID int64) (string, error) {
	stmt := conn.Prep(`SELECT PublicKeyFpr FROM Peerstates WHERE ContactID = $contactID;`)
	stmt.SetInt64("$contactID", contactID)
	hasRow, err := stmt.Step()
	if err != nil {
		return "", err
	}
	if !hasRow {
		stmt.Reset()
		return "", nil
	}
	fpr := stmt.GetText("PublicKeyFpr")
	stmt.Reset()
	return fpr, nil
}

// HandleSecureJoin implements receive.SecureJoinHandler: it is handed
// every incoming message carrying a Secure-Join header, before any
// ordinary chat resolution runs, and drives whichever of the four
// handshake steps that header names.
//
// This account can be playing either role at once for different
// peers (inviter for a QR it generated, joiner for one it scanned);
// the header value alone tells us which step, and PendingJoins /
// Tokens tell us which side we are for this particular exchange.
func (m *Manager) HandleSecureJoin(conn *sqlite.Conn, msg *envelope.Msg, fromAddr string, fromID int64, now time.Time) (handled bool, err error) {
	step := strings.TrimSpace(string(msg.Headers.Get("Secure-Join")))
	if step == "" {
		return false, nil
	}
	ctx := context.Background()

	switch step {
	case "vc-request", "vg-request":
		return true, m.handleRequest(ctx, conn, msg, fromAddr, step == "vg-request", now)
	case "vc-auth-required", "vg-auth-required":
		return true, m.handleAuthRequired(ctx, conn, fromAddr, step == "vg-auth-required")
	case "vc-request-with-auth", "vg-request-with-auth":
		return true, m.handleRequestWithAuth(ctx, conn, msg, fromAddr, fromID, step == "vg-request-with-auth", now)
	case "vc-contact-confirm", "vg-member-added":
		return true, m.handleConfirm(conn, msg, fromAddr, fromID, now)
	default:
		return true, nil
	}
}

// handleRequest is the inviter's reaction to step (a): check the
// invitenumber against what was minted at QR-generation time, then
// reply with step (b), encrypted and signed (the encryption itself is
// the receive/send pipeline's job; this only sets the headers).
func (m *Manager) handleRequest(ctx context.Context, conn *sqlite.Conn, msg *envelope.Msg, fromAddr string, isGroup bool, now time.Time) error {
	invite := strings.TrimSpace(string(msg.Headers.Get("Secure-Join-Invitenumber")))
	chatID := int64(0)
	if isGroup {
		grpID := strings.TrimSpace(string(msg.Headers.Get("Secure-Join-Group")))
		id, ok, err := lookupChatByGrpIDLocal(conn, grpID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("securejoin: unknown group %q in vg-request", grpID)
		}
		chatID = id
	}
	ok, err := findToken(conn, model.TokenInviteNumber, chatID, invite)
	if err != nil {
		return err
	}
	if !ok {
		m.Logf("securejoin: vc/vg-request from %s: bad invitenumber", fromAddr)
		return nil
	}

	replyStep := "vc-auth-required"
	if isGroup {
		replyStep = "vg-auth-required"
	}
	return m.Mailer.SendSecureJoin(ctx, fromAddr, map[string]string{"Secure-Join": replyStep}, "")
}

// handleAuthRequired is the joiner's reaction to step (b): echo back
// the pre-shared auth token from the QR, plus our own key fingerprint
// so the inviter can bind verification to the right key.
func (m *Manager) handleAuthRequired(ctx context.Context, conn *sqlite.Conn, fromAddr string, isGroup bool) error {
	pending, ok, err := loadPendingJoin(conn, fromAddr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("securejoin: %s-auth-required from %s with no pending join", step2Name(isGroup), fromAddr)
	}
	kp, err := m.KeyStore.EnsureKeypair(ctx)
	if err != nil {
		return err
	}

	replyStep := "vc-request-with-auth"
	if isGroup {
		replyStep = "vg-request-with-auth"
	}
	hdrs := map[string]string{
		"Secure-Join":             replyStep,
		"Secure-Join-Auth":        pending.Auth,
		"Secure-Join-Fingerprint": kp.Fingerprint,
	}
	return m.Mailer.SendSecureJoin(ctx, fromAddr, hdrs, "")
}

func step2Name(isGroup bool) string {
	if isGroup {
		return "vg"
	}
	return "vc"
}

// handleRequestWithAuth is the inviter's reaction to step (c): check
// the returned auth token against what was minted, check the claimed
// fingerprint against the Autocrypt-derived Peerstate we already have
// for fromID, and on a match mark the peer verified and reply with
// step (d).
func (m *Manager) handleRequestWithAuth(ctx context.Context, conn *sqlite.Conn, msg *envelope.Msg, fromAddr string, fromID int64, isGroup bool, now time.Time) error {
	auth := strings.TrimSpace(string(msg.Headers.Get("Secure-Join-Auth")))
	claimedFpr := strings.TrimSpace(string(msg.Headers.Get("Secure-Join-Fingerprint")))

	chatID := int64(0)
	if isGroup {
		grpID := strings.TrimSpace(string(msg.Headers.Get("Secure-Join-Group")))
		id, ok, err := lookupChatByGrpIDLocal(conn, grpID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("securejoin: unknown group %q in vg-request-with-auth", grpID)
		}
		chatID = id
	}
	ok, err := findToken(conn, model.TokenAuth, chatID, auth)
	if err != nil {
		return err
	}
	fpr, err := peerstateFpr(conn, fromID)
	if err != nil {
		return err
	}
	if !ok || claimedFpr == "" || fpr == "" || !strings.EqualFold(fpr, claimedFpr) {
		m.Logf("securejoin: %s-request-with-auth from %s: auth/fingerprint mismatch, aborting", step2Name(isGroup), fromAddr)
		return nil
	}

	if err := markVerified(conn, fromID); err != nil {
		return err
	}

	replyStep := "vc-contact-confirm"
	if isGroup {
		replyStep = "vg-member-added"
		if err := addVerifiedMember(conn, chatID, fromID, now); err != nil {
			return err
		}
		if err := promoteVerifiedGroup(conn, chatID); err != nil {
			return err
		}
	}
	return m.Mailer.SendSecureJoin(ctx, fromAddr, map[string]string{"Secure-Join": replyStep}, "")
}

// handleConfirm is the joiner's reaction to step (d): both sides now
// agree on each other's fingerprint, so mark the inviter's Peerstate
// verified too and drop the pending-join record.
func (m *Manager) handleConfirm(conn *sqlite.Conn, msg *envelope.Msg, fromAddr string, fromID int64, now time.Time) error {
	if _, ok, err := loadPendingJoin(conn, fromAddr); err != nil {
		return err
	} else if !ok {
		return nil
	}
	if err := markVerified(conn, fromID); err != nil {
		return err
	}
	return deletePendingJoin(conn, fromAddr)
}

func lookupChatByGrpIDLocal(conn *sqlite.Conn, grpID string) (int64, bool, error) {
	stmt := conn.Prep(`SELECT ChatID FROM Chats WHERE GrpID = $grpID;`)
	stmt.SetText("$grpID", grpID)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, false, err
	}
	if !hasRow {
		stmt.Reset()
		return 0, false, nil
	}
	chatID := stmt.GetInt64("ChatID")
	stmt.Reset()
	return chatID, true, nil
}

// promoteVerifiedGroup upgrades chatID to ChatTypeVerifiedGroup the
// first time a vg-request-with-auth handshake completes for it: every
// member added from that point on has been through SecureJoin, so the
// chat as a whole earns the stronger type instead of staying an
// ordinary Group with one verified member buried in ChatMembers.
func promoteVerifiedGroup(conn *sqlite.Conn, chatID int64) error {
	stmt := conn.Prep(`UPDATE Chats SET Type = $type, Verified = TRUE WHERE ChatID = $chatID AND Type != $type;`)
	stmt.SetInt64("$type", int64(model.ChatTypeVerifiedGroup))
	stmt.SetInt64("$chatID", chatID)
	_, err := stmt.Step()
	return err
}

func addVerifiedMember(conn *sqlite.Conn, chatID, contactID int64, now time.Time) error {
	stmt := conn.Prep(`INSERT OR IGNORE INTO ChatMembers (ChatID, ContactID, Role, AddedAt) VALUES ($chatID, $contactID, 0, $now);`)
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$contactID", contactID)
	stmt.SetInt64("$now", now.Unix())
	_, err := stmt.Step()
	return err
}
