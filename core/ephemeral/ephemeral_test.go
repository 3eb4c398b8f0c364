package ephemeral_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"crawshaw.io/sqlite/sqlitex"

	"inkmail.dev/chatcore/core/ephemeral"
	"inkmail.dev/chatcore/core/model"
	"inkmail.dev/chatcore/core/store"
)

func openTestDB(t *testing.T) *sqlitex.Pool {
	t.Helper()
	dir, err := ioutil.TempDir("", "ephemeral-test-")
	if err != nil {
		t.Fatal(err)
	}
	pool, err := store.Open(filepath.Join(dir, "account.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func insertChat(t *testing.T, pool *sqlitex.Pool, chatID int64) {
	t.Helper()
	conn := pool.Get(context.Background())
	defer pool.Put(conn)
	stmt := conn.Prep(`INSERT INTO Chats (ChatID, Type, Name, Blocked, Archived, Muted, EphemeralTimer, Verified, CreatedAt)
		VALUES ($id, 100, 'Test', 0, 0, FALSE, 0, FALSE, $now);`)
	stmt.SetInt64("$id", chatID)
	stmt.SetInt64("$now", time.Now().Unix())
	if _, err := stmt.Step(); err != nil {
		t.Fatal(err)
	}
}

func insertMsg(t *testing.T, pool *sqlitex.Pool, chatID int64, text string) int64 {
	t.Helper()
	conn := pool.Get(context.Background())
	defer pool.Put(conn)
	// The message carries the chat's timer, as the receive pipeline
	// copies it onto every message it inserts.
	stmt := conn.Prep(`INSERT INTO Msgs (RfcMsgID, ChatID, FromID, State, ViewType, Text, Timestamp, TimestampSent, TimestampRcvd, EphemeralTimer)
		VALUES ($rfc, $chatID, 1, $state, 0, $text, $now, $now, $now, (SELECT EphemeralTimer FROM Chats WHERE ChatID = $chatID));`)
	stmt.SetText("$rfc", "msg-"+text+"@local")
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$state", int64(model.MsgInSeen))
	stmt.SetText("$text", text)
	stmt.SetInt64("$now", time.Now().Unix())
	if _, err := stmt.Step(); err != nil {
		t.Fatal(err)
	}
	return conn.LastInsertRowID()
}

func TestSetTimerEmitsSystemMessage(t *testing.T) {
	pool := openTestDB(t)
	insertChat(t, pool, 200)

	conn := pool.Get(context.Background())
	defer pool.Put(conn)
	if err := ephemeral.SetTimer(conn, 200, 60, time.Now()); err != nil {
		t.Fatal(err)
	}

	stmt := conn.Prep(`SELECT EphemeralTimer FROM Chats WHERE ChatID = 200;`)
	hasRow, err := stmt.Step()
	if err != nil || !hasRow {
		t.Fatalf("chat lookup: hasRow=%v err=%v", hasRow, err)
	}
	if got := stmt.GetInt64("EphemeralTimer"); got != 60 {
		t.Errorf("EphemeralTimer = %d, want 60", got)
	}
	stmt.Reset()

	count := conn.Prep(`SELECT COUNT(*) AS n FROM Msgs WHERE ChatID = 200 AND SystemType = $t;`)
	count.SetInt64("$t", int64(model.SystemEphemeralTimerChanged))
	if _, err := count.Step(); err != nil {
		t.Fatal(err)
	}
	if got := count.GetInt64("n"); got != 1 {
		t.Errorf("system messages = %d, want 1", got)
	}
	count.Reset()
}

func TestMarkSeenSetsCountdownOnce(t *testing.T) {
	pool := openTestDB(t)
	insertChat(t, pool, 201)

	conn := pool.Get(context.Background())
	now := time.Now()
	if err := ephemeral.SetTimer(conn, 201, 30, now); err != nil {
		t.Fatal(err)
	}
	msgID := insertMsg(t, pool, 201, "hello")
	pool.Put(conn)

	conn = pool.Get(context.Background())
	if err := ephemeral.MarkSeen(conn, msgID, now); err != nil {
		t.Fatal(err)
	}
	stmt := conn.Prep(`SELECT EphemeralTimestamp FROM Msgs WHERE MsgID = $id;`)
	stmt.SetInt64("$id", msgID)
	if _, err := stmt.Step(); err != nil {
		t.Fatal(err)
	}
	first := stmt.GetInt64("EphemeralTimestamp")
	stmt.Reset()
	if first != now.Add(30*time.Second).Unix() {
		t.Errorf("EphemeralTimestamp = %d, want %d", first, now.Add(30*time.Second).Unix())
	}

	// A second MarkSeen call later must not push the deadline out.
	later := now.Add(10 * time.Second)
	if err := ephemeral.MarkSeen(conn, msgID, later); err != nil {
		t.Fatal(err)
	}
	stmt2 := conn.Prep(`SELECT EphemeralTimestamp FROM Msgs WHERE MsgID = $id;`)
	stmt2.SetInt64("$id", msgID)
	if _, err := stmt2.Step(); err != nil {
		t.Fatal(err)
	}
	second := stmt2.GetInt64("EphemeralTimestamp")
	stmt2.Reset()
	pool.Put(conn)

	if second != first {
		t.Errorf("EphemeralTimestamp changed on second MarkSeen: %d -> %d", first, second)
	}
}

func TestSweeperExpiresAndMovesToTrash(t *testing.T) {
	pool := openTestDB(t)
	insertChat(t, pool, 202)

	conn := pool.Get(context.Background())
	past := time.Now().Add(-time.Hour)
	if err := ephemeral.SetTimer(conn, 202, 1, past); err != nil {
		t.Fatal(err)
	}
	msgID := insertMsg(t, pool, 202, "secret")
	if err := ephemeral.MarkSeen(conn, msgID, past); err != nil {
		t.Fatal(err)
	}
	pool.Put(conn)

	s := ephemeral.New(pool)
	var expired int32
	s.OnExpire = func(id int64) {
		if id == msgID {
			atomic.AddInt32(&expired, 1)
		}
	}

	go s.Run()
	defer s.Shutdown()
	s.Interrupt()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&expired) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&expired) != 1 {
		t.Fatalf("OnExpire called %d times, want 1", expired)
	}

	conn = pool.Get(context.Background())
	defer pool.Put(conn)
	stmt := conn.Prep(`SELECT ChatID, Text FROM Msgs WHERE MsgID = $id;`)
	stmt.SetInt64("$id", msgID)
	if _, err := stmt.Step(); err != nil {
		t.Fatal(err)
	}
	if got := stmt.GetInt64("ChatID"); got != model.ChatTrash {
		t.Errorf("ChatID = %d, want ChatTrash (%d)", got, model.ChatTrash)
	}
	if got := stmt.GetText("Text"); got != "" {
		t.Errorf("Text = %q, want cleared", got)
	}
	stmt.Reset()
}
