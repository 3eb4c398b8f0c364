package scheduler

import (
	"context"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"inkmail.dev/chatcore/internal/elog"
)

// flushInterval bounds how long a contact's last-seen timestamp sits
// unwritten; RecentlySeenTracker writes queued timestamps on this tick
// and once more on Shutdown.
const flushInterval = 10 * time.Second

// RecentlySeenTracker is the I/O Scheduler's recently-seen helper task
// (§4.1/§5's "one recently-seen task"): every folder loop reports a
// contact's activity via Interrupt, and the tracker coalesces repeated
// reports for the same contact into one batched UPDATE per flush
// instead of writing the database on every single message.
//
// Grounded on scheduler.rs's recently_seen_loop/interrupt_recently_seen
// (RecentlySeenLoop itself lives in contact.rs, not present in this
// pack) and on core/ephemeral.Sweeper's ticker+nudge+mutex-guarded-map
// shape for the batching.
type RecentlySeenTracker struct {
	DB   *sqlitex.Pool
	Logf elog.Logf

	mu      sync.Mutex
	pending map[int64]time.Time

	ctx      context.Context
	cancelFn func()
	done     chan struct{}
	nudge    chan struct{}
}

// NewRecentlySeenTracker wires a tracker around db.
func NewRecentlySeenTracker(db *sqlitex.Pool) *RecentlySeenTracker {
	return &RecentlySeenTracker{
		DB:      db,
		Logf:    elog.New("recentlyseen"),
		pending: make(map[int64]time.Time),
		nudge:   make(chan struct{}, 1),
	}
}

// Interrupt records that contactID was seen at ts, per
// interrupt_recently_seen(contact_id, timestamp). A later, larger ts
// for the same contact overwrites an earlier one; an earlier one never
// regresses a later one already queued.
func (t *RecentlySeenTracker) Interrupt(contactID int64, ts time.Time) {
	t.mu.Lock()
	if cur, ok := t.pending[contactID]; !ok || ts.After(cur) {
		t.pending[contactID] = ts
	}
	t.mu.Unlock()
}

// Run drives the flush loop until Shutdown is called.
func (t *RecentlySeenTracker) Run() {
	t.ctx, t.cancelFn = context.WithCancel(context.Background())
	t.done = make(chan struct{})
	defer close(t.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			t.flush()
			return
		case <-t.nudge:
		case <-ticker.C:
		}
		t.flush()
	}
}

// Shutdown stops Run (flushing anything still pending) and waits for
// it to return.
func (t *RecentlySeenTracker) Shutdown() {
	if t.cancelFn == nil {
		return
	}
	t.cancelFn()
	<-t.done
}

// flush writes every pending contact's last-seen timestamp in one
// batch and clears the queue, even on a partial failure, so one bad
// row never wedges the tracker into retrying forever.
func (t *RecentlySeenTracker) flush() {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	batch := t.pending
	t.pending = make(map[int64]time.Time)
	t.mu.Unlock()

	conn := t.DB.Get(t.ctx)
	if conn == nil {
		return
	}
	defer t.DB.Put(conn)

	for contactID, ts := range batch {
		if err := markContactSeen(conn, contactID, ts); err != nil {
			t.Logf("recentlyseen: contact %d: %v", contactID, err)
		}
	}
}

func markContactSeen(conn *sqlite.Conn, contactID int64, ts time.Time) error {
	stmt := conn.Prep(`UPDATE Contacts SET LastSeen = $ts WHERE ContactID = $contactID AND (LastSeen IS NULL OR LastSeen < $ts);`)
	stmt.SetInt64("$ts", ts.Unix())
	stmt.SetInt64("$contactID", contactID)
	_, err := stmt.Step()
	return err
}
