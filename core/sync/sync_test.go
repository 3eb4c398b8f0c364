package sync_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"

	"inkmail.dev/chatcore/core/envelope"
	"inkmail.dev/chatcore/core/store"
	"inkmail.dev/chatcore/core/sync"
)

var filer = iox.NewFiler(0)

type fakeMailer struct {
	sent [][]byte
}

func (f *fakeMailer) SendSync(ctx context.Context, payload []byte) error {
	f.sent = append(f.sent, payload)
	return nil
}

func openTestDB(t *testing.T) *sqlitex.Pool {
	t.Helper()
	dir, err := ioutil.TempDir("", "sync-test-")
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

func syncMessage(t *testing.T, body string) *envelope.Msg {
	t.Helper()
	f := filer.BufferFile(0)
	if _, err := f.Write([]byte(body)); err != nil {
		t.Fatal(err)
	}
	msg := &envelope.Msg{}
	msg.Headers.Add("Chat-Content", []byte("sync"))
	msg.Parts = append(msg.Parts, envelope.Part{IsBody: true, ContentType: "text/plain", Content: f})
	return msg
}

func TestPublishSerializesItems(t *testing.T) {
	mailer := &fakeMailer{}
	ch := sync.New(openTestDB(t), mailer, "self@x")

	if err := ch.PublishConfig(context.Background(), "displayname", "Alice"); err != nil {
		t.Fatal(err)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("sent %d payloads, want 1", len(mailer.sent))
	}
	if got := string(mailer.sent[0]); got == "" {
		t.Fatal("expected a non-empty JSON payload")
	}
}

func TestHandleAppliesConfigItem(t *testing.T) {
	pool := openTestDB(t)
	ch := sync.New(pool, &fakeMailer{}, "self@x")

	msg := syncMessage(t, `[{"type":"config","key":"displayname","value":"Bob"}]`)
	conn := pool.Get(context.Background())
	defer pool.Put(conn)

	handled, err := ch.Handle(conn, msg, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !handled {
		t.Fatal("expected Handle to report handled=true for a Chat-Content: sync message")
	}

	stmt := conn.Prep(`SELECT Value FROM Config WHERE Key = 'displayname';`)
	hasRow, err := stmt.Step()
	if err != nil {
		t.Fatal(err)
	}
	if !hasRow {
		t.Fatal("expected the config item to be applied")
	}
	if got := stmt.GetText("Value"); got != "Bob" {
		t.Fatalf("displayname = %q, want Bob", got)
	}
	stmt.Reset()
}

func TestHandleIgnoresNonSyncMessages(t *testing.T) {
	pool := openTestDB(t)
	ch := sync.New(pool, &fakeMailer{}, "self@x")

	msg := &envelope.Msg{}
	conn := pool.Get(context.Background())
	defer pool.Put(conn)

	handled, err := ch.Handle(conn, msg, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if handled {
		t.Fatal("a message with no Chat-Content: sync header must not be claimed")
	}
}
