// Package location implements the location half of §4.10/§2: the I/O
// Scheduler's dedicated location task that turns new fixes recorded
// in the Locations table into outgoing messages for every chat
// currently streaming, and clears a chat's streaming state once its
// window ends. Built on the same ticker+nudge+context/cancel/done
// shape as core/ephemeral.Sweeper, since both are periodic account-wide
// sweeps rather than single-job handlers.
//
// Grounded on deltachat-core-rust's src/location.rs: send_locations_to_chat
// sets locations_send_begin/until and schedules the recurring
// MaybeSendLocations job; job_do_DC_JOB_MAYBE_SEND_LOCATIONS checks
// whether enough time has passed since the last send (57s, leaving a
// few seconds of slack under the nominal one-minute cadence) and
// whether any new independent=0 fixes exist since locations_send_begin
// before actually sending; job_do_DC_JOB_MAYBE_SEND_LOC_ENDED detects
// the window closing and resets the chat's streaming state with a
// "location streaming ended" device message. The sweep shape here
// replaces the original's explicit job-rescheduling with a periodic
// poll, the same simplification core/ephemeral already makes for its
// own expiry sweep.
package location

import (
	"context"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"inkmail.dev/chatcore/core/envelope"
	"inkmail.dev/chatcore/core/model"
	"inkmail.dev/chatcore/core/send"
	"inkmail.dev/chatcore/internal/elog"
)

// pollInterval is how often the sweep checks for chats that need a
// location update sent or a streaming window closed; the original's
// own reschedule delay is also 60s.
const pollInterval = 60 * time.Second

// minResendInterval is the "don't send more than once this often"
// throttle: job_do_DC_JOB_MAYBE_SEND_LOCATIONS tolerates down to 57s
// since locations_last_sent rather than a strict 60, so a sweep
// landing a little early still sends instead of waiting a full extra
// cycle.
const minResendInterval = 57 * time.Second

// Streamer owns the location background task. One per account
// context, alongside the Job Queue and the I/O Scheduler's other
// helper loops.
type Streamer struct {
	DB   *sqlitex.Pool
	Send *send.Composer
	Logf elog.Logf

	ctx      context.Context
	cancelFn func()
	done     chan struct{}
	nudge    chan struct{}
}

// New wires a Streamer around db, sending through composer.
func New(db *sqlitex.Pool, composer *send.Composer) *Streamer {
	return &Streamer{
		DB:    db,
		Send:  composer,
		Logf:  elog.New("location"),
		nudge: make(chan struct{}, 1),
	}
}

// Interrupt wakes the sweep immediately, mirroring
// core/ephemeral.Sweeper.Interrupt and §5's interrupt_location.
func (s *Streamer) Interrupt() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Run drives the sweep until Shutdown is called.
func (s *Streamer) Run() {
	s.ctx, s.cancelFn = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	defer close(s.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		s.sweep()

		select {
		case <-s.ctx.Done():
			return
		case <-s.nudge:
		case <-ticker.C:
		}
	}
}

// Shutdown stops Run and waits for it to return.
func (s *Streamer) Shutdown() {
	if s.cancelFn == nil {
		return
	}
	s.cancelFn()
	<-s.done
}

// sweep sends pending location updates and closes out any streaming
// window that has ended, for every chat in one pass.
func (s *Streamer) sweep() {
	conn := s.DB.Get(s.ctx)
	if conn == nil {
		return
	}
	now := time.Now()

	active, err := streamingChats(conn, now)
	if err != nil {
		s.Logf("location: list streaming chats: %v", err)
	}
	s.DB.Put(conn)

	for _, chatID := range active {
		if err := s.maybeSend(chatID, now); err != nil {
			s.Logf("location: chat %d: %v", chatID, err)
		}
	}

	conn = s.DB.Get(s.ctx)
	if conn == nil {
		return
	}
	ended, err := endedChats(conn, now)
	s.DB.Put(conn)
	if err != nil {
		s.Logf("location: list ended chats: %v", err)
		return
	}
	for _, chatID := range ended {
		if err := s.endStreaming(chatID, now); err != nil {
			s.Logf("location: end chat %d: %v", chatID, err)
		}
	}
}

// maybeSend implements job_do_DC_JOB_MAYBE_SEND_LOCATIONS for one
// chat: too-recent sends and empty fix sets are both a silent no-op,
// not an error, since the sweep will simply try again next tick.
func (s *Streamer) maybeSend(chatID int64, now time.Time) error {
	conn := s.DB.Get(s.ctx)
	if conn == nil {
		return context.Canceled
	}

	lastSent, sendBegin, err := locationTimestamps(conn, chatID)
	if err != nil {
		s.DB.Put(conn)
		return err
	}
	if !lastSent.IsZero() && now.Sub(lastSent) < minResendInterval {
		s.DB.Put(conn)
		return nil
	}

	points, err := pendingFixes(conn, chatID, sendBegin)
	if err != nil {
		s.DB.Put(conn)
		return err
	}
	if len(points) == 0 {
		s.DB.Put(conn)
		return nil
	}

	recipients, err := chatRecipients(conn, chatID)
	if err != nil {
		s.DB.Put(conn)
		return err
	}
	s.DB.Put(conn)

	if len(recipients) == 0 {
		return markLocationsSent(s.DB, s.ctx, chatID, now)
	}

	if s.Send != nil {
		if _, err := s.Send.Send(s.ctx, send.Request{
			Recipients:     recipients,
			Locations:      points,
			ExtraHeaders:   map[string]string{"Chat-Content": "location"},
			SkipEncryption: false,
		}); err != nil {
			return err
		}
	}
	return markLocationsSent(s.DB, s.ctx, chatID, now)
}

// endStreaming implements job_do_DC_JOB_MAYBE_SEND_LOC_ENDED: clears a
// chat's streaming window and leaves a device message announcing it,
// the same way core/ephemeral.SetTimer leaves one for a timer change.
func (s *Streamer) endStreaming(chatID int64, now time.Time) error {
	conn := s.DB.Get(s.ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.DB.Put(conn)
	return clearStreaming(conn, chatID, now)
}

// StartStreaming implements send_locations_to_chat: sets the chat's
// streaming window and inserts the "location streaming enabled"
// system message. seconds<=0 stops streaming immediately instead of
// starting a window.
func StartStreaming(conn *sqlite.Conn, chatID int64, seconds int, now time.Time) error {
	if seconds <= 0 {
		return clearStreaming(conn, chatID, now)
	}

	until := now.Add(time.Duration(seconds) * time.Second)
	upd := conn.Prep(`UPDATE Chats SET LocationsSendBegin = $begin, LocationsSendUntil = $until, LocationsLastSent = 0 WHERE ChatID = $chatID;`)
	upd.SetInt64("$begin", now.Unix())
	upd.SetInt64("$until", until.Unix())
	upd.SetInt64("$chatID", chatID)
	if _, err := upd.Step(); err != nil {
		return err
	}
	return insertSystemMsg(conn, chatID, model.SystemLocationStreamingEnabled, "", now)
}

// IsStreaming reports whether chatID currently has an open
// location-streaming window, per is_sending_locations_to_chat.
func IsStreaming(conn *sqlite.Conn, chatID int64, now time.Time) (bool, error) {
	stmt := conn.Prep(`SELECT LocationsSendUntil FROM Chats WHERE ChatID = $chatID;`)
	stmt.SetInt64("$chatID", chatID)
	hasRow, err := stmt.Step()
	if err != nil {
		return false, err
	}
	if !hasRow {
		stmt.Reset()
		return false, nil
	}
	until := stmt.GetInt64("LocationsSendUntil")
	stmt.Reset()
	return until > now.Unix(), nil
}

// RecordFix inserts one GPS fix for contactID in chatID, either a
// streamed track point (independent=false) or a dropped marker pin
// (independent=true). Returns the new Locations row id.
func RecordFix(conn *sqlite.Conn, chatID, contactID int64, lat, lon, accuracy float64, independent bool, now time.Time) (int64, error) {
	stmt := conn.Prep(`INSERT INTO Locations (ChatID, ContactID, Latitude, Longitude, Accuracy, Timestamp, MsgID, Independent)
		VALUES ($chatID, $contactID, $lat, $lon, $accuracy, $ts, 0, $independent);`)
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$contactID", contactID)
	stmt.SetFloat("$lat", lat)
	stmt.SetFloat("$lon", lon)
	stmt.SetFloat("$accuracy", accuracy)
	stmt.SetInt64("$ts", now.Unix())
	stmt.SetBool("$independent", independent)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return conn.LastInsertRowID(), nil
}

func clearStreaming(conn *sqlite.Conn, chatID int64, now time.Time) error {
	stmt := conn.Prep(`SELECT LocationsSendBegin, LocationsSendUntil FROM Chats WHERE ChatID = $chatID;`)
	stmt.SetInt64("$chatID", chatID)
	hasRow, err := stmt.Step()
	if err != nil {
		return err
	}
	if !hasRow {
		stmt.Reset()
		return nil
	}
	begin := stmt.GetInt64("LocationsSendBegin")
	until := stmt.GetInt64("LocationsSendUntil")
	stmt.Reset()
	if begin == 0 && until == 0 {
		return nil // already cleared, nothing to announce
	}

	upd := conn.Prep(`UPDATE Chats SET LocationsSendBegin = 0, LocationsSendUntil = 0 WHERE ChatID = $chatID;`)
	upd.SetInt64("$chatID", chatID)
	if _, err := upd.Step(); err != nil {
		return err
	}
	return insertSystemMsg(conn, chatID, model.SystemNone, "Location streaming ended.", now)
}

func insertSystemMsg(conn *sqlite.Conn, chatID int64, sysType model.MsgSystemType, text string, now time.Time) error {
	stmt := conn.Prep(`INSERT INTO Msgs (RfcMsgID, ChatID, FromID, State, ViewType, SystemType, Text, Timestamp, TimestampSent, TimestampRcvd)
		VALUES ($rfcID, $chatID, $fromID, $state, 0, $sysType, $text, $ts, $ts, $ts);`)
	stmt.SetText("$text", text)
	stmt.SetText("$rfcID", syntheticMsgID(chatID, now))
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$fromID", model.ContactInfo)
	stmt.SetInt64("$state", int64(model.MsgInNoticed))
	stmt.SetInt64("$sysType", int64(sysType))
	stmt.SetInt64("$ts", now.Unix())
	_, err := stmt.Step()
	return err
}

func syntheticMsgID(chatID int64, now time.Time) string {
	return now.Format("locstream-20060102150405.000000000") + "-" + itoa(chatID) + "@local"
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func streamingChats(conn *sqlite.Conn, now time.Time) ([]int64, error) {
	stmt := conn.Prep(`SELECT ChatID FROM Chats WHERE LocationsSendUntil > $now;`)
	stmt.SetInt64("$now", now.Unix())
	return collectIDs(stmt)
}

func endedChats(conn *sqlite.Conn, now time.Time) ([]int64, error) {
	stmt := conn.Prep(`SELECT ChatID FROM Chats WHERE LocationsSendBegin != 0 AND LocationsSendUntil <= $now;`)
	stmt.SetInt64("$now", now.Unix())
	return collectIDs(stmt)
}

func collectIDs(stmt *sqlite.Stmt) ([]int64, error) {
	var ids []int64
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		ids = append(ids, stmt.GetInt64("ChatID"))
	}
	return ids, nil
}

func locationTimestamps(conn *sqlite.Conn, chatID int64) (lastSent time.Time, sendBegin time.Time, err error) {
	stmt := conn.Prep(`SELECT LocationsLastSent, LocationsSendBegin FROM Chats WHERE ChatID = $chatID;`)
	stmt.SetInt64("$chatID", chatID)
	hasRow, stepErr := stmt.Step()
	if stepErr != nil {
		return time.Time{}, time.Time{}, stepErr
	}
	if !hasRow {
		stmt.Reset()
		return time.Time{}, time.Time{}, nil
	}
	ls := stmt.GetInt64("LocationsLastSent")
	sb := stmt.GetInt64("LocationsSendBegin")
	stmt.Reset()
	if ls > 0 {
		lastSent = time.Unix(ls, 0).UTC()
	}
	if sb > 0 {
		sendBegin = time.Unix(sb, 0).UTC()
	}
	return lastSent, sendBegin, nil
}

// pendingFixes loads this account's own independent=false fixes
// recorded since sendBegin and not yet attached to an outgoing
// message, the set job_do_DC_JOB_MAYBE_SEND_LOCATIONS checks for
// "anything new to send".
func pendingFixes(conn *sqlite.Conn, chatID int64, sendBegin time.Time) ([]envelope.KMLPoint, error) {
	stmt := conn.Prep(`SELECT LocationID, Latitude, Longitude, Accuracy, Timestamp FROM Locations
		WHERE ChatID = $chatID AND ContactID = $self AND Independent = FALSE AND MsgID = 0 AND Timestamp >= $begin
		ORDER BY Timestamp;`)
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$self", model.ContactSelf)
	stmt.SetInt64("$begin", sendBegin.Unix())
	var points []envelope.KMLPoint
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		points = append(points, envelope.KMLPoint{
			Latitude:  stmt.GetFloat("Latitude"),
			Longitude: stmt.GetFloat("Longitude"),
			Accuracy:  stmt.GetFloat("Accuracy"),
			Timestamp: time.Unix(stmt.GetInt64("Timestamp"), 0).UTC(),
		})
	}
	return points, nil
}

// markLocationsSent updates LocationsLastSent and attaches every
// still-unattached own track fix in the chat, whatever its Timestamp,
// to a synthetic MsgID so a later
// sweep does not resend them (the original's job_do variant instead
// attaches them to the real outgoing message's MsgID; a synthetic
// placeholder id would also require touching the Msgs table's
// foreign-key-free design, so this stores the sentinel -1 (sentMarker) meaning
// "already sent" rather than a real MsgID no message references).
func markLocationsSent(db *sqlitex.Pool, ctx context.Context, chatID int64, now time.Time) error {
	conn := db.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer db.Put(conn)

	upd := conn.Prep(`UPDATE Chats SET LocationsLastSent = $now WHERE ChatID = $chatID;`)
	upd.SetInt64("$now", now.Unix())
	upd.SetInt64("$chatID", chatID)
	if _, err := upd.Step(); err != nil {
		return err
	}

	mark := conn.Prep(`UPDATE Locations SET MsgID = $sent WHERE ChatID = $chatID AND ContactID = $self AND Independent = FALSE AND MsgID = 0;`)
	mark.SetInt64("$sent", sentMarker)
	mark.SetInt64("$chatID", chatID)
	mark.SetInt64("$self", model.ContactSelf)
	_, err := mark.Step()
	return err
}

// sentMarker is a MsgID value no real Msgs row ever uses (ids start at
// 1 via AUTOINCREMENT-free rowid assignment, but chatID 0 can't exist
// as a MsgID either way); it exists purely so pendingFixes's "MsgID =
// 0" filter stops matching a fix once it has been sent.
const sentMarker = -1

// chatRecipients loads every non-self member of chatID with enough
// Peerstate to drive the Autocrypt/Encryption Helper's decision, the
// same shape cmd/chatengine would build for an ordinary outgoing chat
// message.
func chatRecipients(conn *sqlite.Conn, chatID int64) ([]send.Recipient, error) {
	stmt := conn.Prep(`SELECT Contacts.ContactID, Contacts.Addr, Contacts.Name,
			Peerstates.PreferEncrypt AS PreferEncrypt, Peerstates.PublicKey AS PublicKey
		FROM ChatMembers
		JOIN Contacts ON Contacts.ContactID = ChatMembers.ContactID
		LEFT JOIN Peerstates ON Peerstates.ContactID = ChatMembers.ContactID
		WHERE ChatMembers.ChatID = $chatID AND ChatMembers.ContactID != $self;`)
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$self", model.ContactSelf)

	var recipients []send.Recipient
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		r := send.Recipient{
			ContactID:     stmt.GetInt64("ContactID"),
			Addr:          stmt.GetText("Addr"),
			Name:          stmt.GetText("Name"),
			PreferEncrypt: model.PeerstatePreferEncrypt(stmt.GetInt64("PreferEncrypt")),
		}
		if n := stmt.GetLen("PublicKey"); n > 0 {
			buf := make([]byte, n)
			stmt.GetBytes("PublicKey", buf)
			r.PublicKey = buf
		}
		recipients = append(recipients, r)
	}
	return recipients, nil
}
