package scheduler

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"crawshaw.io/sqlite"

	imap "github.com/emersion/go-imap"
	idle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap/client"
)

// reconnectMinBackoff/reconnectMaxBackoff bound a folder loop's retry
// delay after a failed dial, login or select: a single failure retries
// quickly, but a server that keeps rejecting the connection backs off
// exponentially to reconnectMaxBackoff rather than hammering it. A
// session that ends after connecting (an IDLE or fetch error, or a
// dropped connection) is redialed after a fixed 2s pause.
const (
	reconnectMinBackoff = 1 * time.Second
	reconnectMaxBackoff = 30 * time.Second

	// idleKeepalive is how often a long IDLE session sends a NOOP so
	// the server (and any NAT/firewall in between) doesn't time out an
	// otherwise-idle TCP connection.
	idleKeepalive = 25 * time.Minute

	// fallbackPoll is how often the loop re-checks the mailbox when
	// the server doesn't support IDLE at all.
	fallbackPoll = 2 * time.Minute
)

// imapFolderLoop watches one IMAP folder until ctx is canceled
// (Shutdown or a Pause): connect, select, IDLE with a polling
// fallback, fetch and hand off any UID above the folder's remembered
// high-water mark, reconnecting after any error (with backoff while
// the connection itself keeps failing). Adapted
// from yingcaihuang-monitor-imap-webhook/internal/imapclient's
// IdleLoop, generalized from one fixed mailbox and an Event channel to
// this account's configured set of folders and the Receive Pipeline.
func (s *Scheduler) imapFolderLoop(ctx context.Context, folder string) {
	backoff := reconnectMinBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		c, err := s.dialIMAP(ctx, folder)
		if err != nil {
			s.Logf("scheduler: %s: connect: %v", folder, err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = reconnectMinBackoff

		if err := s.runFolderSession(ctx, folder, c); err != nil && ctx.Err() == nil {
			s.Logf("scheduler: %s: session: %v", folder, err)
		}
		c.Logout()

		if !sleepCtx(ctx, 2*time.Second) {
			return
		}
	}
}

// dialIMAP connects, authenticates and selects folder, using the
// account's DNS Cache to resolve the host rather than calling
// net.Dial directly.
func (s *Scheduler) dialIMAP(ctx context.Context, folder string) (*client.Client, error) {
	addrs, err := s.DNS.Lookup(ctx, hostOnly(s.IMAPHost))
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve: no addresses for %s", s.IMAPHost)
	}

	dialer := &net.Dialer{Timeout: 15 * time.Second}
	addr := net.JoinHostPort(addrs[0], portOnly(s.IMAPHost))
	c, err := client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: hostOnly(s.IMAPHost)})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := c.Login(s.IMAPUser, s.IMAPPassword); err != nil {
		c.Logout()
		return nil, fmt.Errorf("login: %w", err)
	}
	if _, err := c.Select(folder, false); err != nil {
		c.Logout()
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}
	return c, nil
}

// runFolderSession drives one connected session: an initial catch-up
// fetch (in case messages arrived while this loop wasn't connected),
// then repeated IDLE waits (each refreshed by a MailboxUpdate or its
// own timeout) until the connection drops or ctx is canceled.
func (s *Scheduler) runFolderSession(ctx context.Context, folder string, c *client.Client) error {
	if err := s.fetchNew(ctx, folder, c); err != nil {
		return err
	}

	updates := make(chan client.Update, 50)
	c.Updates = updates

	// idle.Client.IdleWithFallback already degrades to periodic NOOP
	// polling on its own when the server lacks the IDLE capability, so
	// this loop doesn't need a separate poll path.
	idleClient := idle.NewClient(c)

	for {
		if ctx.Err() != nil {
			return nil
		}

		stop := make(chan struct{})
		idleDone := make(chan error, 1)
		keepaliveStop := make(chan struct{})
		go func() {
			select {
			case <-keepaliveStop:
			case <-time.After(idleKeepalive):
				c.Noop()
			}
		}()
		go func() {
			idleDone <- idleClient.IdleWithFallback(stop, fallbackPoll)
		}()

		select {
		case <-ctx.Done():
			close(stop)
			<-idleDone
			close(keepaliveStop)
			return nil

		case err := <-idleDone:
			close(keepaliveStop)
			if err != nil {
				return err
			}
			// IDLE ended normally (server timeout); loop re-enters it.

		case upd := <-updates:
			close(stop)
			<-idleDone
			close(keepaliveStop)
			if _, ok := upd.(*client.MailboxUpdate); ok {
				if err := s.fetchNew(ctx, folder, c); err != nil {
					return err
				}
			}
		}
	}
}

// fetchNew reads folder's remembered UID high-water mark, fetches
// every message above it, hands each to the Receive Pipeline, and
// advances the mark — one message at a time, so a crash mid-batch
// re-fetches only the messages not yet handed off rather than losing
// track of the whole batch.
func (s *Scheduler) fetchNew(ctx context.Context, folder string, c *client.Client) error {
	status, err := c.Select(folder, false)
	if err != nil {
		return fmt.Errorf("reselect %s: %w", folder, err)
	}

	conn := s.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	lastUID, err := folderState(conn, folder, status.UidValidity)
	s.DB.Put(conn)
	if err != nil {
		return err
	}

	seq := new(imap.SeqSet)
	seq.AddRange(uint32(lastUID)+1, 0) // 0 means "no upper bound"
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 16)
	fetchErr := make(chan error, 1)
	go func() { fetchErr <- c.UidFetch(seq, items, messages) }()

	for msg := range messages {
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		buf := s.Filer.BufferFile(0)
		if _, err := io.Copy(buf, r); err != nil {
			buf.Close()
			return fmt.Errorf("buffer uid %d: %w", msg.Uid, err)
		}
		if _, err := buf.Seek(0, 0); err != nil {
			buf.Close()
			return fmt.Errorf("seek uid %d: %w", msg.Uid, err)
		}

		result, recvErr := s.Pipeline.Receive(ctx, folder, int64(msg.Uid), buf)
		buf.Close()
		if recvErr != nil {
			return fmt.Errorf("receive uid %d: %w", msg.Uid, recvErr)
		}
		if !result.IsOutgoing && !result.Duplicate && result.FromID != 0 && s.RecentlySeen != nil {
			s.RecentlySeen.Interrupt(result.FromID, time.Now())
		}

		if err := s.advanceFolderState(ctx, folder, status.UidValidity, int64(msg.Uid)); err != nil {
			return err
		}
	}
	return <-fetchErr
}

func folderState(conn *sqlite.Conn, folder string, uidValidity uint32) (lastUID int64, err error) {
	stmt := conn.Prep(`SELECT UidValidity, LastUID FROM ImapFolderState WHERE Folder = $folder;`)
	stmt.SetText("$folder", folder)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if !hasRow {
		stmt.Reset()
		return 0, nil
	}
	storedValidity := stmt.GetInt64("UidValidity")
	last := stmt.GetInt64("LastUID")
	stmt.Reset()
	if storedValidity != int64(uidValidity) {
		// The server renumbered UIDs (mailbox rebuilt, folder
		// recreated): nothing we remembered is safe to trust.
		return 0, nil
	}
	return last, nil
}

func (s *Scheduler) advanceFolderState(ctx context.Context, folder string, uidValidity uint32, uid int64) error {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.DB.Put(conn)

	stmt := conn.Prep(`INSERT INTO ImapFolderState (Folder, UidValidity, LastUID) VALUES ($folder, $validity, $uid)
		ON CONFLICT(Folder) DO UPDATE SET UidValidity=excluded.UidValidity, LastUID=excluded.LastUID;`)
	stmt.SetText("$folder", folder)
	stmt.SetInt64("$validity", int64(uidValidity))
	stmt.SetInt64("$uid", uid)
	_, err := stmt.Step()
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMaxBackoff {
		return reconnectMaxBackoff
	}
	return d
}

func hostOnly(hostport string) string {
	h, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return h
}

func portOnly(hostport string) string {
	_, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return "993"
	}
	return p
}
