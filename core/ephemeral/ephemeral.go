// Package ephemeral implements the Ephemeral Timer (§4.7): setting a
// per-chat timer (with a synthetic system message), starting the
// countdown the moment a message is marked seen, and a background
// sweep that deletes expired messages' content and moves them to
// TRASH. Built on the same ticker+nudge+context/cancel/done shape
// core/jobqueue uses, since both are periodic background sweeps over
// the same database.
package ephemeral

import (
	"context"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"inkmail.dev/chatcore/core/model"
	"inkmail.dev/chatcore/internal/elog"
)

// pollInterval bounds how long an overdue expiration can sit
// unswept without an Interrupt; Sweeper still wakes early whenever
// SetTimer or MarkSeen schedules something sooner.
const pollInterval = 30 * time.Second

// Sweeper owns the ephemeral-message background task. One per account
// context, alongside the Job Queue and the I/O Scheduler's other
// helper loops.
type Sweeper struct {
	DB   *sqlitex.Pool
	Logf elog.Logf

	// DeleteDeviceAfter holds the account's delete_device_after
	// config value. The sweep does not read it: a message expires
	// only by its own EphemeralTimestamp, and no per-chat ceiling is
	// applied.
	DeleteDeviceAfter time.Duration

	// OnExpire is called (outside any transaction) for every message
	// the sweep clears, letting the I/O Scheduler enqueue the
	// matching DeleteMsgOnImap job without this package depending on
	// core/jobqueue directly.
	OnExpire func(msgID int64)

	ctx      context.Context
	cancelFn func()
	done     chan struct{}
	nudge    chan struct{}
}

// New wires a Sweeper around db.
func New(db *sqlitex.Pool) *Sweeper {
	return &Sweeper{
		DB:    db,
		Logf:  elog.New("ephemeral"),
		nudge: make(chan struct{}, 1),
	}
}

// Interrupt wakes the sweep immediately, per §4.7 "wakes on
// interrupt_ephemeral_task".
func (s *Sweeper) Interrupt() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Run drives the sweep until Shutdown is called.
func (s *Sweeper) Run() {
	s.ctx, s.cancelFn = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	defer close(s.done)

	for {
		wait := s.sweepDue()

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-s.nudge:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Shutdown stops Run and waits for it to return.
func (s *Sweeper) Shutdown() {
	if s.cancelFn == nil {
		return
	}
	s.cancelFn()
	<-s.done
}

// sweepDue clears every message whose EphemeralTimestamp has already
// passed and returns how long to sleep until the next one is due
// (capped at pollInterval, so an expiration scheduled without an
// explicit Interrupt is still noticed promptly).
func (s *Sweeper) sweepDue() time.Duration {
	conn := s.DB.Get(s.ctx)
	if conn == nil {
		return pollInterval
	}
	now := time.Now()
	expired, err := collectExpired(conn, now)
	if err != nil {
		s.DB.Put(conn)
		s.Logf("ephemeral: collect expired: %v", err)
		return pollInterval
	}
	for _, msgID := range expired {
		if err := expireMsg(conn, msgID); err != nil {
			s.Logf("ephemeral: expire msg %d: %v", msgID, err)
			continue
		}
		if s.OnExpire != nil {
			s.OnExpire(msgID)
		}
	}

	next, ok, err := nextExpiration(conn, now)
	s.DB.Put(conn)
	if err != nil {
		s.Logf("ephemeral: next expiration: %v", err)
		return pollInterval
	}
	if !ok {
		return pollInterval
	}
	wait := next.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	if wait > pollInterval {
		return pollInterval
	}
	return wait
}

func collectExpired(conn *sqlite.Conn, now time.Time) ([]int64, error) {
	stmt := conn.Prep(`SELECT MsgID FROM Msgs
		WHERE EphemeralTimer > 0 AND EphemeralTimestamp > 0 AND EphemeralTimestamp <= $now AND ChatID != $trash;`)
	stmt.SetInt64("$now", now.Unix())
	stmt.SetInt64("$trash", model.ChatTrash)
	var ids []int64
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		ids = append(ids, stmt.GetInt64("MsgID"))
	}
	return ids, nil
}

func nextExpiration(conn *sqlite.Conn, now time.Time) (time.Time, bool, error) {
	stmt := conn.Prep(`SELECT MIN(EphemeralTimestamp) AS t FROM Msgs
		WHERE EphemeralTimer > 0 AND EphemeralTimestamp > $now AND ChatID != $trash;`)
	stmt.SetInt64("$now", now.Unix())
	stmt.SetInt64("$trash", model.ChatTrash)
	hasRow, err := stmt.Step()
	if err != nil {
		return time.Time{}, false, err
	}
	if !hasRow || stmt.GetLen("t") == 0 {
		stmt.Reset()
		return time.Time{}, false, nil
	}
	ts := stmt.GetInt64("t")
	stmt.Reset()
	if ts == 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(ts, 0).UTC(), true, nil
}

// expireMsg clears a message's content (§4.7: "clears the message's
// content fields ... and moves it to TRASH"). IMAP-side deletion is
// left to the Sweeper's OnExpire hook, which sweepDue calls after
// each successful expireMsg.
func expireMsg(conn *sqlite.Conn, msgID int64) error {
	stmt := conn.Prep(`UPDATE Msgs SET
			Text = '', MimeInReplyTo = '', MimeReferences = '', FromID = 0, ChatID = $trash
		WHERE MsgID = $msgID;`)
	stmt.SetInt64("$trash", model.ChatTrash)
	stmt.SetInt64("$msgID", msgID)
	_, err := stmt.Step()
	return err
}

// SetTimer updates chatID's ephemeral timer and inserts a synthetic
// system message announcing the change, the same way a group-name or
// group-image change surfaces inline (§4.7: "setting the timer emits
// a synthetic system message").
func SetTimer(conn *sqlite.Conn, chatID int64, seconds int, now time.Time) error {
	upd := conn.Prep(`UPDATE Chats SET EphemeralTimer = $timer WHERE ChatID = $chatID;`)
	upd.SetInt64("$timer", int64(seconds))
	upd.SetInt64("$chatID", chatID)
	if _, err := upd.Step(); err != nil {
		return err
	}

	stmt := conn.Prep(`INSERT INTO Msgs (RfcMsgID, ChatID, FromID, State, ViewType, SystemType, Text, Timestamp, TimestampSent, TimestampRcvd)
		VALUES ($rfcID, $chatID, $fromID, $state, 0, $sysType, '', $ts, $ts, $ts);`)
	stmt.SetText("$rfcID", syntheticMsgID(chatID, now))
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$fromID", model.ContactInfo)
	stmt.SetInt64("$state", int64(model.MsgInNoticed))
	stmt.SetInt64("$sysType", int64(model.SystemEphemeralTimerChanged))
	stmt.SetInt64("$ts", now.Unix())
	_, err := stmt.Step()
	return err
}

func syntheticMsgID(chatID int64, now time.Time) string {
	return time.Now().Format("ephtimer-20060102150405.000000000") + "-" + itoa(chatID) + "@local"
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

// MarkSeen starts a chat message's ephemeral countdown the first time
// it is marked seen, per §4.7: "ephemeral_timestamp = now + duration
// is set if not already set". Caller is expected to have already
// updated the message's State to MsgInSeen; MarkSeen only owns the
// countdown field.
func MarkSeen(conn *sqlite.Conn, msgID int64, now time.Time) error {
	sel := conn.Prep(`SELECT EphemeralTimer FROM Msgs WHERE MsgID = $msgID;`)
	sel.SetInt64("$msgID", msgID)
	hasRow, err := sel.Step()
	if err != nil {
		return err
	}
	if !hasRow {
		sel.Reset()
		return nil
	}
	timer := sel.GetInt64("EphemeralTimer")
	sel.Reset()
	if timer <= 0 {
		return nil
	}

	expireAt := now.Add(time.Duration(timer) * time.Second).Unix()
	upd := conn.Prep(`UPDATE Msgs SET EphemeralTimestamp = $ts
		WHERE MsgID = $msgID AND (EphemeralTimestamp IS NULL OR EphemeralTimestamp = 0);`)
	upd.SetInt64("$ts", expireAt)
	upd.SetInt64("$msgID", msgID)
	_, err = upd.Step()
	return err
}
