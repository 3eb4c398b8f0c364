// Package receive implements the Receive Pipeline (§4.4): turns raw
// IMF bytes pulled off a watched IMAP folder into chat Message rows,
// resolving or creating the chat they belong to along the way. It is
// the chat-domain analog of spilldb/processor's Processor.process,
// generalized from "clean up a staged outgoing message" to "classify
// and file an incoming one", and of spilldb/spillbox's insertmsg.go
// for the actual row-by-row insert shape.
package receive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"inkmail.dev/chatcore/core/autocrypt"
	"inkmail.dev/chatcore/core/envelope"
	"inkmail.dev/chatcore/core/envelope/dkim"
	"inkmail.dev/chatcore/core/envelope/imf"
	"inkmail.dev/chatcore/core/event"
	"inkmail.dev/chatcore/core/keystore"
	"inkmail.dev/chatcore/core/model"
	"inkmail.dev/chatcore/core/store"
	"inkmail.dev/chatcore/internal/elog"
)

// Pipeline is the Receive Pipeline. One Pipeline serves one account
// context; SelfAddr names the account's own address so incoming mail
// can be classified as outgoing-self-sent (BCC-self, multi-device
// sync) versus genuinely incoming.
type Pipeline struct {
	DB       *sqlitex.Pool
	Filer    *iox.Filer
	DKIM     *dkim.Verifier
	SelfAddr string
	Smear    *Smearer
	Logf     elog.Logf

	// SecureJoin, if set, is given first look at any message carrying
	// a Secure-Join header (§4.4 step 5: "run SecureJoin state machine
	// before any chat creation"). A nil SecureJoin treats such messages
	// as ordinary 1:1 mail, which is enough for an account that has
	// never started a handshake.
	SecureJoin SecureJoinHandler

	// Sync, if set, is given first look at any self-addressed message
	// carrying `Chat-Content: sync` (§2's Sync Channel). A nil Sync
	// treats such a message as an ordinary self-sent chat message,
	// which is harmless on an account that never enabled a second
	// device.
	Sync SyncHandler

	// Events, if set, receives Info/ErrorSelfNotInGroup notifications
	// as the pipeline files messages (§4.4 step 10, §7). A nil Events
	// is fine for tests that only care about the database state.
	Events *event.Emitter

	// KeyStore, if set, lets Receive open an incoming RFC 3156
	// multipart/encrypted envelope before parsing it for real (§4.3);
	// a nil KeyStore treats such a message as an opaque attachment,
	// which is the correct behavior for an account with no keypair.
	KeyStore *keystore.KeyStore

	// Autocrypt, if set, runs the Autocrypt/Encryption Helper's merge
	// logic (§4.3) against every non-self message's Autocrypt/
	// Autocrypt-Gossip/Authentication-Results headers after it's
	// filed. A nil Autocrypt skips peerstate maintenance entirely,
	// which is fine for tests that don't exercise key agreement.
	Autocrypt *autocrypt.Helper

	// OurAuthservID is the authserv-id this account's own incoming
	// IMAP server stamps on Authentication-Results headers (§4.3's
	// handle_authres auxiliary; see §6 "authserv_id"). Left empty, the
	// DKIM-gated keychange check is skipped and a change is always
	// allowed.
	OurAuthservID string
}

// SecureJoinHandler is the narrow surface core/receive needs from
// core/securejoin, kept as an interface here so the two packages don't
// have to import each other: core/securejoin already needs
// core/keystore and core/model, and core/receive constructing it
// directly would make every receive test drag in the whole handshake
// state machine.
type SecureJoinHandler interface {
	// HandleSecureJoin processes one handshake step found in msg's
	// Secure-Join header. handled reports whether this message was a
	// SecureJoin protocol message (and should therefore be hidden from
	// chat history, not filed into a normal chat).
	HandleSecureJoin(conn *sqlite.Conn, msg *envelope.Msg, fromAddr string, fromID int64, now time.Time) (handled bool, err error)
}

// SyncHandler is the narrow surface core/receive needs from
// core/sync, kept as an interface for the same reason
// SecureJoinHandler is: core/sync already needs nothing from
// core/receive, and importing it directly would make every receive
// test drag in JSON sync-item decoding it usually doesn't exercise.
type SyncHandler interface {
	// Handle processes msg's Chat-Content: sync payload, if any.
	// handled reports whether this message was a Sync Channel
	// protocol message (and should therefore be hidden in
	// model.ChatSelfSync, not filed into a normal chat).
	Handle(conn *sqlite.Conn, msg *envelope.Msg, now time.Time) (handled bool, err error)
}

// New wires a Pipeline around db.
func New(db *sqlitex.Pool, filer *iox.Filer, selfAddr string) *Pipeline {
	return &Pipeline{
		DB:       db,
		Filer:    filer,
		DKIM:     &dkim.Verifier{},
		SelfAddr: selfAddr,
		Smear:    &Smearer{},
		Logf:     elog.New("receive"),
	}
}

// Result reports what Receive did, for the caller (the I/O Scheduler)
// to decide on auto-move and follow-up jobs.
type Result struct {
	MsgID      int64
	ChatID     int64
	FromID     int64
	Duplicate  bool // rfc724_mid already known; no new row written
	StubOnly   bool // message could not be parsed; a placeholder row was written
	IsOutgoing bool
}

// Receive runs steps 1-11 of §4.4 against one raw message freshly
// fetched from folder at server uid uid.
func (p *Pipeline) Receive(ctx context.Context, folder string, uid int64, raw *iox.BufferFile) (Result, error) {
	// Step 1: parse MIME. A parse failure still needs a Message-ID
	// to dedup against, so fall back to a cheap header-only scan.
	if _, err := raw.Seek(0, 0); err != nil {
		return Result{}, err
	}
	msg, parseErr := envelope.Cleave(p.Filer, raw)
	if parseErr != nil {
		rfcMsgID, scanErr := scanMessageID(raw)
		if scanErr != nil || rfcMsgID == "" {
			return Result{}, fmt.Errorf("receive: unparseable and no Message-ID: %v", parseErr)
		}
		return p.insertStub(ctx, folder, uid, rfcMsgID)
	}
	defer msg.Close()

	if _, err := raw.Seek(0, 0); err != nil {
		return Result{}, err
	}
	dkimStatus := p.DKIM.Verify(ctx, raw)

	// §4.3: an incoming RFC 3156 PGP/MIME envelope is opened before any
	// chat-domain processing runs, so everything downstream (chat
	// resolution, the Sync Channel, SecureJoin) sees the same plaintext
	// envelope.Msg it would for an unencrypted message.
	inner, encrypted, decErr := p.decryptIfNeeded(ctx, msg)
	if decErr != nil {
		p.Logf("receive: decrypt: %v", decErr)
	} else if encrypted {
		msg.Close()
		msg = inner
		defer msg.Close()
	}

	conn := p.DB.Get(ctx)
	if conn == nil {
		return Result{}, context.Canceled
	}

	var result Result
	var txErr error
	func() {
		defer p.DB.Put(conn)
		defer sqlitex.Save(conn)(&txErr)
		result, txErr = p.receiveLocked(conn, folder, uid, msg, dkimStatus)
	}()
	if txErr == nil {
		p.maybeRunAutocrypt(ctx, msg, result, encrypted)
	}
	return result, txErr
}

// decryptIfNeeded opens msg's RFC 3156 ciphertext part if its
// Content-Type is multipart/encrypted and a KeyStore is configured,
// returning the re-parsed plaintext envelope as a fresh *envelope.Msg.
// A message this account can't or doesn't need to decrypt is returned
// unchanged with encrypted=false, so callers can treat it as any other
// opaque (or already-plaintext) message.
func (p *Pipeline) decryptIfNeeded(ctx context.Context, msg *envelope.Msg) (*envelope.Msg, bool, error) {
	if p.KeyStore == nil {
		return nil, false, nil
	}
	ct := strings.ToLower(string(msg.Headers.Get("Content-Type")))
	if !strings.Contains(ct, "multipart/encrypted") {
		return nil, false, nil
	}

	var cipher *envelope.Part
	for i := range msg.Parts {
		pt := strings.ToLower(msg.Parts[i].ContentType)
		if strings.Contains(pt, "octet-stream") && msg.Parts[i].Content != nil {
			cipher = &msg.Parts[i]
			break
		}
	}
	if cipher == nil {
		return nil, false, nil
	}

	kp, err := p.KeyStore.EnsureKeypair(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("decrypt: keypair: %w", err)
	}
	if _, err := cipher.Content.Seek(0, 0); err != nil {
		return nil, false, err
	}
	plaintext, _, err := p.KeyStore.PGP.Decrypt(cipher.Content, [][]byte{kp.PrivateKey})
	if err != nil {
		return nil, false, fmt.Errorf("decrypt: %w", err)
	}

	buf := p.Filer.BufferFile(0)
	if _, err := io.Copy(buf, plaintext); err != nil {
		buf.Close()
		return nil, false, err
	}
	if _, err := buf.Seek(0, 0); err != nil {
		buf.Close()
		return nil, false, err
	}
	inner, err := envelope.Cleave(p.Filer, buf)
	buf.Close()
	if err != nil {
		return nil, false, fmt.Errorf("decrypt: reparse: %w", err)
	}
	return inner, true, nil
}

// maybeRunAutocrypt feeds the Autocrypt/Encryption Helper (§4.3) with
// whatever this message observed, after receiveLocked's transaction
// has already committed: HandleIncoming acquires its own connection
// from the same pool, which would deadlock a writer against the
// receive transaction if run any earlier.
func (p *Pipeline) maybeRunAutocrypt(ctx context.Context, msg *envelope.Msg, result Result, encrypted bool) {
	if p.Autocrypt == nil || result.Duplicate || result.StubOnly || result.IsOutgoing {
		return
	}
	var authres []string
	if msg.Headers.Index != nil {
		for _, v := range msg.Headers.Index[envelope.CanonicalKey([]byte("Authentication-Results"))] {
			authres = append(authres, string(v))
		}
	}
	in := autocrypt.Incoming{
		ContactID:             result.FromID,
		FromAddr:              firstFromAddr(msg),
		AutocryptHeader:       string(msg.Headers.Get("Autocrypt")),
		GossipHeader:          string(msg.Headers.Get("Autocrypt-Gossip")),
		AuthenticationResults: authres,
		IsCleartext:           !encrypted,
		OurAuthservID:         p.OurAuthservID,
	}
	if _, err := p.Autocrypt.HandleIncoming(ctx, in); err != nil {
		p.Logf("receive: autocrypt: %v", err)
	}
}

func firstFromAddr(msg *envelope.Msg) string {
	addrs, _ := imf.ParseAddressList(string(msg.Headers.Get("From")))
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0].Addr
}

func (p *Pipeline) insertStub(ctx context.Context, folder string, uid int64, rfcMsgID string) (Result, error) {
	conn := p.DB.Get(ctx)
	if conn == nil {
		return Result{}, context.Canceled
	}
	defer p.DB.Put(conn)

	if existing, dup, err := findByRfcMsgID(conn, rfcMsgID); err != nil {
		return Result{}, err
	} else if dup {
		return Result{MsgID: existing, Duplicate: true, StubOnly: true}, nil
	}

	now := time.Now()
	stmt := conn.Prep(`INSERT INTO Msgs (RfcMsgID, ChatID, FromID, State, ViewType, Text, Timestamp, ServerFolder, ServerUID)
		VALUES ($rfcMsgID, 0, $from, $state, 0, '', $ts, $folder, $uid);`)
	stmt.SetText("$rfcMsgID", rfcMsgID)
	stmt.SetInt64("$from", model.ContactInfo)
	stmt.SetInt64("$state", int64(model.MsgInFresh))
	stmt.SetInt64("$ts", now.Unix())
	stmt.SetText("$folder", folder)
	stmt.SetInt64("$uid", uid)
	if _, err := stmt.Step(); err != nil {
		return Result{}, err
	}
	return Result{MsgID: conn.LastInsertRowID(), StubOnly: true}, nil
}

func findByRfcMsgID(conn *sqlite.Conn, rfcMsgID string) (msgID int64, ok bool, err error) {
	stmt := conn.Prep(`SELECT MsgID FROM Msgs WHERE RfcMsgID = $id;`)
	stmt.SetText("$id", rfcMsgID)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, false, err
	}
	if !hasRow {
		stmt.Reset()
		return 0, false, nil
	}
	msgID = stmt.GetInt64("MsgID")
	stmt.Reset()
	return msgID, true, nil
}

func (p *Pipeline) receiveLocked(conn *sqlite.Conn, folder string, uid int64, msg *envelope.Msg, dkimStatus error) (Result, error) {
	now := time.Now()

	fromAddrs, _ := imf.ParseAddressList(string(msg.Headers.Get("From")))
	var fromAddr, fromName string
	if len(fromAddrs) > 0 {
		fromAddr, fromName = fromAddrs[0].Addr, fromAddrs[0].Name
	}
	isOutgoing := fromAddr != "" && normAddr(fromAddr) == normAddr(p.SelfAddr)

	fromOrigin := model.OriginIncomingUnknownFrom
	if isMailinglistMessage(msg) {
		fromOrigin = model.OriginMailinglistAddress
	}

	// Whether the sender is known is decided before ResolveContact
	// creates a row for a first-time sender.
	_, fromKnown, err := LookupContactByAddr(conn, fromAddr)
	if err != nil {
		return Result{}, err
	}
	var fromID int64
	if isOutgoing {
		fromID = model.ContactSelf
	} else {
		fromID, err = ResolveContact(conn, fromAddr, fromName, fromOrigin)
		if err != nil {
			return Result{}, err
		}
	}

	toAddrs, _ := imf.ParseAddressList(string(msg.Headers.Get("To")))
	ccAddrs, _ := imf.ParseAddressList(string(msg.Headers.Get("CC")))

	var toCcIDs []int64
	var toCcAddrs []string
	for _, a := range toAddrs {
		id, err := ResolveContact(conn, a.Addr, a.Name, model.OriginIncomingTo)
		if err != nil {
			return Result{}, err
		}
		toCcIDs = append(toCcIDs, id)
		toCcAddrs = append(toCcAddrs, a.Addr)
	}
	for _, a := range ccAddrs {
		id, err := ResolveContact(conn, a.Addr, a.Name, model.OriginIncomingCc)
		if err != nil {
			return Result{}, err
		}
		toCcIDs = append(toCcIDs, id)
		toCcAddrs = append(toCcAddrs, a.Addr)
	}

	// Step 3: compute rfc724_mid.
	rfcMsgID := strings.TrimSpace(string(msg.Headers.Get("Message-ID")))
	timestampSent := msg.Date
	if timestampSent.IsZero() {
		timestampSent = now
	}
	if rfcMsgID == "" {
		rfcMsgID = synthesizeMessageID(timestampSent, fromID, toCcIDs)
	}

	// Step 4: dedup.
	if existing, dup, err := findByRfcMsgID(conn, rfcMsgID); err != nil {
		return Result{}, err
	} else if dup {
		if folder != "" {
			upd := conn.Prep(`UPDATE Msgs SET ServerFolder = $folder, ServerUID = $uid WHERE MsgID = $id;`)
			upd.SetText("$folder", folder)
			upd.SetInt64("$uid", uid)
			upd.SetInt64("$id", existing)
			if _, err := upd.Step(); err != nil {
				return Result{}, err
			}
		}
		return Result{MsgID: existing, FromID: fromID, Duplicate: true, IsOutgoing: isOutgoing}, nil
	}

	inReplyTo := strings.TrimSpace(string(msg.Headers.Get("In-Reply-To")))
	references, _ := imf.ParseReferences(string(msg.Headers.Get("References")))

	// Step 6: promote origin on reply-to-known-message.
	if !isOutgoing && inReplyTo != "" {
		if _, repliedDup, err := findByRfcMsgID(conn, inReplyTo); err == nil && repliedDup {
			if _, err := ResolveContact(conn, fromAddr, fromName, model.OriginIncomingReplyTo); err != nil {
				return Result{}, err
			}
		}
	}

	// Step 5: resolve chat.
	chatID, created, err := p.resolveChat(conn, msg, fromAddr, fromID, fromKnown, toCcIDs, toCcAddrs, now)
	if err != nil {
		return Result{}, err
	}
	_ = created

	// Step 8: sort_timestamp.
	sortTs := timestampSent
	if sortTs.After(now) {
		sortTs = now
	}
	if !isOutgoing {
		if last, lastFrom, ok, err := lastMsgInChat(conn, chatID); err != nil {
			return Result{}, err
		} else if ok && lastFrom != fromID && !sortTs.After(last) {
			sortTs = last.Add(time.Second)
		}
	}
	smeared := p.Smear.Next(now, 1)
	if sortTs.After(smeared) {
		sortTs = smeared
	}

	text, viewType := bodyTextAndViewType(msg)
	ephemeralTimer, ephemeralErr := p.resolveEphemeralTimer(conn, chatID, references, msg)
	if ephemeralErr != nil {
		return Result{}, ephemeralErr
	}

	state := model.MsgInFresh
	if isOutgoing {
		state = model.MsgOutDelivered
	}
	// A message the Sync Channel claimed lives in the reserved
	// self-sync chat and never belongs in a chat listing or
	// MsgsChanged event (§2's "hidden self-sent messages").
	hiddenFromSync := chatID == model.ChatSelfSync

	stmt := conn.Prep(`INSERT INTO Msgs (RfcMsgID, ChatID, FromID, State, ViewType, Text, Timestamp, TimestampSent, TimestampRcvd,
		EphemeralTimer, HiddenFromSync, ServerFolder, ServerUID, MimeInReplyTo, MimeReferences)
		VALUES ($rfcMsgID, $chatID, $fromID, $state, $viewType, $text, $ts, $tsSent, $tsRcvd, $ephTimer, $hidden, $folder, $uid, $irt, $refs);`)
	stmt.SetText("$rfcMsgID", rfcMsgID)
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$fromID", fromID)
	stmt.SetInt64("$state", int64(state))
	stmt.SetInt64("$viewType", int64(viewType))
	stmt.SetText("$text", text)
	stmt.SetInt64("$ts", sortTs.Unix())
	stmt.SetInt64("$tsSent", timestampSent.Unix())
	stmt.SetInt64("$tsRcvd", now.Unix())
	stmt.SetInt64("$ephTimer", int64(ephemeralTimer))
	stmt.SetBool("$hidden", hiddenFromSync)
	stmt.SetText("$folder", folder)
	stmt.SetInt64("$uid", uid)
	stmt.SetText("$irt", inReplyTo)
	stmt.SetText("$refs", strings.Join(references, " "))
	if _, err := stmt.Step(); err != nil {
		return Result{}, err
	}
	msgID := conn.LastInsertRowID()

	// Step 9: insert one row per non-meta part.
	if err := insertParts(conn, msgID, msg); err != nil {
		return Result{}, err
	}

	// Step 10: fold any KML location-streaming attachment into the
	// Locations table instead of filing it as an ordinary part.
	if err := insertLocations(conn, chatID, fromID, msgID, msg); err != nil {
		return Result{}, err
	}

	if dkimStatus != nil {
		p.Logf("receive: msg %d dkim: %v", msgID, dkimStatus)
	}

	// Step 10: MsgsChanged for anything the UI should actually render;
	// a hidden Sync Channel message has nowhere to show up.
	if p.Events != nil && !hiddenFromSync {
		p.Events.Emit(event.Event{Kind: event.Info, ChatID: chatID, MsgID: msgID, Text: "MsgsChanged"})
	}

	return Result{MsgID: msgID, ChatID: chatID, FromID: fromID, IsOutgoing: isOutgoing}, nil
}

func lastMsgInChat(conn *sqlite.Conn, chatID int64) (ts time.Time, fromID int64, ok bool, err error) {
	stmt := conn.Prep(`SELECT Timestamp, FromID FROM Msgs WHERE ChatID = $chatID ORDER BY Timestamp DESC, MsgID DESC LIMIT 1;`)
	stmt.SetInt64("$chatID", chatID)
	hasRow, err := stmt.Step()
	if err != nil {
		return time.Time{}, 0, false, err
	}
	if !hasRow {
		stmt.Reset()
		return time.Time{}, 0, false, nil
	}
	ts = time.Unix(stmt.GetInt64("Timestamp"), 0).UTC()
	fromID = stmt.GetInt64("FromID")
	stmt.Reset()
	return ts, fromID, true, nil
}

func bodyTextAndViewType(msg *envelope.Msg) (string, model.MsgViewType) {
	for i := range msg.Parts {
		part := &msg.Parts[i]
		if part.IsBody && strings.HasPrefix(part.ContentType, "text/") {
			buf := make([]byte, part.Content.Size())
			part.Content.Seek(0, 0)
			n, _ := part.Content.Read(buf)
			return string(buf[:n]), model.ViewText
		}
	}
	for i := range msg.Parts {
		part := &msg.Parts[i]
		if part.IsAttachment {
			switch {
			case strings.HasPrefix(part.ContentType, "image/gif"):
				return "", model.ViewGif
			case strings.HasPrefix(part.ContentType, "image/"):
				return "", model.ViewImage
			case strings.HasPrefix(part.ContentType, "audio/"):
				return "", model.ViewAudio
			case strings.HasPrefix(part.ContentType, "video/"):
				return "", model.ViewVideo
			}
			return "", model.ViewFile
		}
	}
	return "", model.ViewText
}

func insertParts(conn *sqlite.Conn, msgID int64, msg *envelope.Msg) error {
	for i := range msg.Parts {
		part := &msg.Parts[i]
		if part.IsMeta {
			continue
		}
		var blobID int64
		if part.Content != nil && part.Content.Size() > 0 {
			part.Content.Seek(0, 0)
			id, err := store.SaveBlob(conn, part.Content, part.Content.Size())
			if err != nil {
				return err
			}
			blobID = id
		}
		stmt := conn.Prep(`INSERT INTO MsgParts (MsgID, PartNum, Name, IsAttachment, IsCompressed, ContentType, ContentID, BlobID,
			ContentTransferEncoding, ContentTransferSize, ContentTransferLines)
			VALUES ($msgID, $partNum, $name, $isAttach, $isCompressed, $ct, $cid, $blobID, $cte, $cteSize, $cteLines);`)
		stmt.SetInt64("$msgID", msgID)
		stmt.SetInt64("$partNum", int64(part.PartNum))
		stmt.SetText("$name", part.Name)
		stmt.SetBool("$isAttach", part.IsAttachment)
		stmt.SetBool("$isCompressed", part.IsCompressed)
		stmt.SetText("$ct", part.ContentType)
		stmt.SetText("$cid", part.ContentID)
		if blobID != 0 {
			stmt.SetInt64("$blobID", blobID)
		} else {
			stmt.SetNull("$blobID")
		}
		stmt.SetText("$cte", part.ContentTransferEncoding)
		stmt.SetInt64("$cteSize", part.ContentTransferSize)
		stmt.SetInt64("$cteLines", part.ContentTransferLines)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}
	return nil
}

// insertLocations folds any KML location-streaming part of msg into
// the Locations table (§6 supplement): one row per Placemark fix,
// attributed to contactID/chatID and stamped with msgID so the fixes
// show up alongside the message that carried them.
func insertLocations(conn *sqlite.Conn, chatID, contactID, msgID int64, msg *envelope.Msg) error {
	for i := range msg.Parts {
		part := &msg.Parts[i]
		if !part.IsMeta || !strings.HasPrefix(part.ContentType, "application/vnd.google-earth.kml") {
			continue
		}
		if part.Content == nil {
			continue
		}
		if _, err := part.Content.Seek(0, 0); err != nil {
			return err
		}
		points, err := envelope.ParseKML(part.Content)
		if err != nil {
			// A malformed location attachment shouldn't fail the
			// whole receive; it just contributes no fixes.
			continue
		}
		for _, pt := range points {
			if err := insertLocation(conn, chatID, contactID, msgID, pt); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertLocation(conn *sqlite.Conn, chatID, contactID, msgID int64, pt envelope.KMLPoint) error {
	stmt := conn.Prep(`INSERT INTO Locations (ChatID, ContactID, Latitude, Longitude, Accuracy, Timestamp, MsgID, Independent)
		VALUES ($chatID, $contactID, $lat, $lon, $acc, $ts, $msgID, 0);`)
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$contactID", contactID)
	stmt.SetFloat("$lat", pt.Latitude)
	stmt.SetFloat("$lon", pt.Longitude)
	stmt.SetFloat("$acc", pt.Accuracy)
	stmt.SetInt64("$ts", pt.Timestamp.Unix())
	stmt.SetInt64("$msgID", msgID)
	_, err := stmt.Step()
	return err
}

func synthesizeMessageID(sent time.Time, fromID int64, toIDs []int64) string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "%d.%d", sent.Unix(), fromID)
	for _, id := range toIDs {
		fmt.Fprintf(b, ".%d", id)
	}
	return fmt.Sprintf("synth-%x@local", b.String())
}
