// Package store owns the single sqlite database backing one account
// context: schema, connection pool setup and the small query helpers
// several core/ components share. It plays the role spilldb/db and
// spilldb/spillbox play for that project, merged into one package
// because an account context, unlike a hosted mailbox server, has
// exactly one database to open.
package store

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// Open creates (if necessary) and opens the account database at
// dbfile, returning a pool sized for a single account's worth of
// concurrent background tasks (receive pipeline, job queue,
// housekeeping all hold a connection at once).
func Open(dbfile string) (*sqlitex.Pool, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("store.Open: init open: %v", err)
	}
	if err := Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store.Open: init: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("store.Open: init close: %v", err)
	}
	pool, err := sqlitex.Open(dbfile, 0, 8)
	if err != nil {
		return nil, fmt.Errorf("store.Open: pool: %v", err)
	}
	return pool, nil
}

// Init applies pragmas and the schema to conn. Exported so tests can
// set up an in-memory database (":memory:") without going through a
// pool.
func Init(conn *sqlite.Conn) error {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA foreign_keys=ON;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA cache_size = -20000;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		return err
	}
	return nil
}

// LoadBlob copies a MsgPartContents row into a fresh BufferFile so
// the caller can read it with ordinary io.Reader/io.Seeker semantics
// without holding a sqlite.Blob (and its implicit read lock) for the
// whole time the content is being used.
func LoadBlob(conn *sqlite.Conn, filer *iox.Filer, blobID int64) (*iox.BufferFile, error) {
	buf := filer.BufferFile(0)
	blob, err := conn.OpenBlob("", "MsgPartContents", "Content", blobID, false)
	if err != nil {
		buf.Close()
		return nil, err
	}
	_, err = io.Copy(buf, blob)
	blob.Close()
	if err != nil {
		buf.Close()
		return nil, err
	}
	if _, err := buf.Seek(0, 0); err != nil {
		buf.Close()
		return nil, err
	}
	return buf, nil
}

// SaveBlob inserts content as a new MsgPartContents row, sized up
// front with SetZeroBlob and then filled in with OpenBlob, the same
// two-step write spilldb/spillbox's InsertPartSummary uses to avoid
// building the whole blob in memory before the insert.
func SaveBlob(conn *sqlite.Conn, content io.Reader, size int64) (blobID int64, err error) {
	stmt := conn.Prep(`INSERT INTO MsgPartContents (Content) VALUES ($content);`)
	stmt.SetZeroBlob("$content", size)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	blobID = conn.LastInsertRowID()

	blob, err := conn.OpenBlob("", "MsgPartContents", "Content", blobID, true)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(blob, content); err != nil {
		blob.Close()
		return 0, err
	}
	if err := blob.Close(); err != nil {
		return 0, err
	}
	return blobID, nil
}

// EncodeParam/DecodeParam convert a Job's Param map to and from the
// TEXT column it is stored in; kept as functions here (rather than on
// model.Job, which has no sqlite dependency) so core/model stays
// free of encoding concerns.
func EncodeParam(param map[string]string) (string, error) {
	if len(param) == 0 {
		return "", nil
	}
	b, err := json.Marshal(param)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeParam(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var param map[string]string
	if err := json.Unmarshal([]byte(s), &param); err != nil {
		return nil, err
	}
	return param, nil
}

// UnixOrZero converts a sqlite INTEGER column (seconds since epoch,
// 0/NULL meaning unset) to a time.Time, the inverse of
// time.Time.Unix() used throughout the schema above.
func UnixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
