// Package housekeeping implements the Housekeeping component (§4.9):
// a low-priority, infrequent background sweep that reclaims orphaned
// blobs, vacuums expired DNS Cache and Token rows, and records when it
// last ran. Grounded directly on spilldb/db/janitor.go's Janitor: the
// same ticker+cleanNow-channel+context/cancel/done shape, generalized
// from "spilldb's primary database" to "one account's blob directory
// plus its own database".
package housekeeping

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"inkmail.dev/chatcore/internal/elog"
)

// interval mirrors janitor.go's 30 minute period; housekeeping work is
// cheap per run and never urgent enough to warrant anything shorter.
const interval = 30 * time.Minute

// dnsCacheMaxAge and tokenMaxAge bound how long a failed/expired
// DnsCache or Tokens row lingers once it is no longer useful, per
// §4.9's "vacuums the DNS cache and token tables".
const (
	dnsCacheMaxAge = 24 * time.Hour
	tokenMaxAge    = 30 * 24 * time.Hour
)

// Housekeeper owns the sweep. One per account context.
type Housekeeper struct {
	DB       *sqlitex.Pool
	BlobDir  string
	Logf     elog.Logf

	ctx      context.Context
	cancelFn func()
	done     chan struct{}
	cleanNow chan struct{}
}

// New wires a Housekeeper around db and the account's blob directory.
func New(db *sqlitex.Pool, blobDir string) *Housekeeper {
	return &Housekeeper{
		DB:       db,
		BlobDir:  blobDir,
		Logf:     elog.New("housekeeping"),
		cleanNow: make(chan struct{}, 1),
	}
}

// CleanNow requests an immediate sweep instead of waiting for the
// next tick.
func (h *Housekeeper) CleanNow() {
	select {
	case h.cleanNow <- struct{}{}:
	default:
	}
}

// Run drives the sweep until Shutdown is called.
func (h *Housekeeper) Run() {
	h.ctx, h.cancelFn = context.WithCancel(context.Background())
	h.done = make(chan struct{})
	defer close(h.done)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-t.C:
		case <-h.cleanNow:
		}
		if err := h.clean(); err != nil {
			h.Logf("housekeeping: clean: %v", err)
		}
	}
}

// Shutdown stops Run and waits for it to return.
func (h *Housekeeper) Shutdown() {
	if h.cancelFn == nil {
		return
	}
	h.cancelFn()
	<-h.done
}

func (h *Housekeeper) clean() error {
	start := time.Now()
	conn := h.DB.Get(h.ctx)
	if conn == nil {
		return context.Canceled
	}
	defer h.DB.Put(conn)

	blobsRemoved, err := h.gcBlobs(conn)
	if err != nil {
		return err
	}
	dnsRemoved, err := vacuumDNSCache(conn, start)
	if err != nil {
		return err
	}
	tokensRemoved, err := vacuumTokens(conn, start)
	if err != nil {
		return err
	}
	if err := recordLastRun(conn, start); err != nil {
		return err
	}

	entry := elog.Entry{
		Where:    "housekeeping",
		What:     "cleanup",
		When:     start,
		Duration: time.Since(start),
		Data: map[string]interface{}{
			"blobs_removed":  blobsRemoved,
			"dns_removed":    dnsRemoved,
			"tokens_removed": tokensRemoved,
		},
	}
	h.Logf("%s", entry)
	return nil
}

// gcBlobs walks BlobDir and removes any file whose name is not
// "<BlobID>.blob" for some MsgPartContents.BlobID, the way a
// mail host's attachment store is swept for content nothing still
// points at. Grounded on spilldb/db/janitor.go's clean() skeleton,
// which this package fills in with real work; walking the directory
// with filepath.WalkDir rather than keeping an in-memory blob index
// keeps this sweep correct even if something crashed mid-write.
func (h *Housekeeper) gcBlobs(conn *sqlite.Conn) (removed int, err error) {
	if h.BlobDir == "" {
		return 0, nil
	}
	live := make(map[string]bool)
	stmt := conn.Prep(`SELECT BlobID FROM MsgPartContents;`)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return removed, err
		}
		if !hasRow {
			break
		}
		live[blobFilename(stmt.GetInt64("BlobID"))] = true
	}

	err = filepath.WalkDir(h.BlobDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if live[d.Name()] {
			return nil
		}
		if rmErr := os.Remove(path); rmErr == nil {
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, err
	}
	return removed, nil
}

func blobFilename(blobID int64) string {
	return itoa(blobID) + ".blob"
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func vacuumDNSCache(conn *sqlite.Conn, now time.Time) (int, error) {
	stmt := conn.Prep(`DELETE FROM DnsCache WHERE Timestamp < $cutoff;`)
	stmt.SetInt64("$cutoff", now.Add(-dnsCacheMaxAge).Unix())
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return conn.Changes(), nil
}

func vacuumTokens(conn *sqlite.Conn, now time.Time) (int, error) {
	stmt := conn.Prep(`DELETE FROM Tokens WHERE CreatedAt < $cutoff;`)
	stmt.SetInt64("$cutoff", now.Add(-tokenMaxAge).Unix())
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return conn.Changes(), nil
}

// recordLastRun persists last_housekeeping (§6), the time of the last
// completed sweep. Nothing in the engine reads it back; Run schedules
// sweeps by its own ticker alone.
func recordLastRun(conn *sqlite.Conn, now time.Time) error {
	stmt := conn.Prep(`INSERT INTO Config (Key, Value) VALUES ('last_housekeeping', $v)
		ON CONFLICT(Key) DO UPDATE SET Value = excluded.Value;`)
	stmt.SetText("$v", now.Format(time.RFC3339))
	_, err := stmt.Step()
	return err
}
