// Package scheduler implements the I/O Scheduler (§4.1, §5): the
// Stopped/Started/Paused state machine that owns every background
// loop touching the network (one loop per watched IMAP folder, the
// Job Queue's SMTP-thread drain, plus the account's helper sweeps),
// and the nested pause-guard that lets a JobConfigureImap or
// JobImexImap job run with exclusive access to the IMAP connection.
//
// Grounded on core/jobqueue.Queue's ctx/cancelFn/done background-task
// shape for Start/Shutdown, and on
// yingcaihuang-monitor-imap-webhook/internal/imapclient's
// connect-IDLE-fallback-reconnect loop (adapted in imaploop.go) for
// each folder's own goroutine.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"inkmail.dev/chatcore/core/dnscache"
	"inkmail.dev/chatcore/core/ephemeral"
	"inkmail.dev/chatcore/core/housekeeping"
	"inkmail.dev/chatcore/core/jobqueue"
	"inkmail.dev/chatcore/core/location"
	"inkmail.dev/chatcore/core/model"
	"inkmail.dev/chatcore/core/receive"
	"inkmail.dev/chatcore/core/store"
	"inkmail.dev/chatcore/internal/elog"
	"inkmail.dev/chatcore/smtp/smtpclient"
)

// FolderConfig names one IMAP folder the Scheduler keeps a loop on.
// Inbox is always present; Mvbox and Sentbox are configured in only
// when the account uses MoveState/SentboxState beyond "nothing", per
// §4.1's "Inbox always watched, Mvbox/Sentbox opportunistically".
type FolderConfig struct {
	Name string // e.g. "INBOX", the account's configured Mvbox/Sentbox name
}

// Scheduler is the I/O Scheduler. One per account context, wiring
// together the Receive Pipeline, Job Queue, DNS Cache, Ephemeral
// Sweeper and Housekeeper this account needs to actually move mail.
type Scheduler struct {
	DB       *sqlitex.Pool
	Filer    *iox.Filer
	Jobs     *jobqueue.Queue
	Pipeline *receive.Pipeline
	SMTP     *smtpclient.Client
	DNS      *dnscache.Cache
	Ephem    *ephemeral.Sweeper
	House    *housekeeping.Housekeeper
	Location     *location.Streamer
	RecentlySeen *RecentlySeenTracker
	Logf         elog.Logf

	// IMAPHost is "host:port", the same convention smtpclient.Client
	// uses for its own Host field.
	IMAPHost     string
	IMAPUser     string
	IMAPPassword string
	Folders      []FolderConfig

	mu          sync.Mutex
	state       model.SchedulerState
	pauseGuards int

	ctx      context.Context
	cancelFn func()

	foldersCtx    context.Context
	foldersCancel func()
	foldersWG     sync.WaitGroup

	done chan struct{}
}

// New wires a Scheduler. Callers set IMAPHost/IMAPUser/IMAPPassword
// and Folders (Inbox first) before calling Start.
func New(db *sqlitex.Pool, filer *iox.Filer, jobs *jobqueue.Queue, pipeline *receive.Pipeline, smtp *smtpclient.Client, dns *dnscache.Cache, ephem *ephemeral.Sweeper, house *housekeeping.Housekeeper, loc *location.Streamer) *Scheduler {
	s := &Scheduler{
		DB:       db,
		Filer:    filer,
		Jobs:     jobs,
		Pipeline: pipeline,
		SMTP:     smtp,
		DNS:      dns,
		Ephem:    ephem,
		House:        house,
		Location:     loc,
		RecentlySeen: NewRecentlySeenTracker(db),
		Logf:         elog.New("scheduler"),
		Folders:      []FolderConfig{{Name: "INBOX"}},
	}
	s.registerSMTPHandler()
	s.registerExclusiveHandlers()
	s.registerLocationHandlers()
	return s
}

// State reports the scheduler's current SchedulerState for the
// account's settings/status surface.
func (s *Scheduler) State() model.SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start transitions Stopped -> Started: launches one goroutine per
// configured folder, the Job Queue drain, and the account's helper
// sweeps. Calling Start twice without an intervening Shutdown is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.state != model.SchedulerStopped {
		s.mu.Unlock()
		return
	}
	s.state = model.SchedulerStarted
	s.mu.Unlock()

	s.ctx, s.cancelFn = context.WithCancel(context.Background())
	s.done = make(chan struct{})

	go s.Jobs.Run()
	go s.Ephem.Run()
	go s.House.Run()
	if s.Location != nil {
		go s.Location.Run()
	}
	if s.RecentlySeen != nil {
		go s.RecentlySeen.Run()
	}
	s.startFolderLoops()

	go func() {
		<-s.ctx.Done()
		s.foldersWG.Wait()
		close(s.done)
	}()
}

// Shutdown stops every loop and waits (up to 30s, per §5's shutdown
// bound) for them to actually exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.state == model.SchedulerStopped {
		s.mu.Unlock()
		return
	}
	s.state = model.SchedulerStopped
	s.mu.Unlock()

	if s.foldersCancel != nil {
		s.foldersCancel()
	}
	if s.cancelFn != nil {
		s.cancelFn()
	}
	s.Jobs.Shutdown()
	s.Ephem.Shutdown()
	s.House.Shutdown()
	if s.Location != nil {
		s.Location.Shutdown()
	}
	if s.RecentlySeen != nil {
		s.RecentlySeen.Shutdown()
	}

	select {
	case <-s.done:
	case <-time.After(30 * time.Second):
		s.Logf("scheduler: shutdown timed out waiting for folder loops")
	}
}

// startFolderLoops spawns (or respawns, after a Resume) one goroutine
// per s.Folders, all sharing s.foldersCtx so Pause can stop them
// together without tearing down the Job Queue or helper sweeps.
func (s *Scheduler) startFolderLoops() {
	s.foldersCtx, s.foldersCancel = context.WithCancel(s.ctx)
	for _, f := range s.Folders {
		f := f
		s.foldersWG.Add(1)
		go func() {
			defer s.foldersWG.Done()
			s.imapFolderLoop(s.foldersCtx, f.Name)
		}()
	}
}

// Pause suspends every IMAP folder loop so an Exclusive job
// (JobConfigureImap, JobImexImap) can use the IMAP connection
// configuration without a watch loop racing it, per §4.1's "pause
// guards nest: a second Pause while already paused just bumps the
// guard count". Resume only actually restarts the loops once every
// nested guard has been released.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.pauseGuards++
	first := s.pauseGuards == 1
	if first {
		s.state = model.SchedulerPaused
	}
	cancel := s.foldersCancel
	s.mu.Unlock()

	if first && cancel != nil {
		cancel()
		s.foldersWG.Wait()
	}
}

// Resume releases one Pause guard, restarting the folder loops once
// the guard count reaches zero.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pauseGuards == 0 {
		return
	}
	s.pauseGuards--
	if s.pauseGuards == 0 && s.state == model.SchedulerPaused {
		s.state = model.SchedulerStarted
		s.startFolderLoops()
	}
}

// registerExclusiveHandlers registers the Job Queue handlers for the
// two Exclusive actions: both pause every folder loop for the
// duration of the job, per Action.Exclusive()'s "jobs needing the
// IMAP connection to themselves".
func (s *Scheduler) registerExclusiveHandlers() {
	s.Jobs.Handlers[model.JobConfigureImap] = func(ctx context.Context, conn *sqlite.Conn, job model.Job) error {
		s.Pause()
		defer s.Resume()
		// A configuration change (new password, new host) only takes
		// effect once the next folder loop iteration dials again;
		// dropping the cached DNS entry forces that dial to re-resolve
		// rather than reuse a now-stale address.
		if s.DNS != nil {
			s.DNS.Forget(s.IMAPHost)
		}
		return nil
	}
	s.Jobs.Handlers[model.JobImexImap] = func(ctx context.Context, conn *sqlite.Conn, job model.Job) error {
		s.Pause()
		defer s.Resume()
		folder := job.Param["folder"]
		if folder == "" {
			folder = "INBOX"
		}
		return resetFolderState(conn, folder)
	}
}

// registerSMTPHandler registers the Job Queue handler for
// JobSendMsgToSmtp: loads the blob core/send.Composer staged, submits
// it, and classifies the result so a permanent rejection (bad
// recipient, policy block) doesn't retry forever the way a transient
// one should.
func (s *Scheduler) registerSMTPHandler() {
	s.Jobs.Handlers[model.JobSendMsgToSmtp] = func(ctx context.Context, conn *sqlite.Conn, job model.Job) error {
		blobID, err := strconv.ParseInt(job.Param["blob_id"], 10, 64)
		if err != nil {
			return fmt.Errorf("scheduler: send job %d: bad blob_id: %w", job.JobID, err)
		}
		from := job.Param["from"]
		to := strings.Split(job.Param["to"], ",")

		content, err := store.LoadBlob(conn, s.Filer, blobID)
		if err != nil {
			return fmt.Errorf("scheduler: send job %d: load blob: %w", job.JobID, err)
		}
		defer content.Close()

		results, err := s.SMTP.Send(ctx, from, to, content)
		if err != nil {
			return fmt.Errorf("scheduler: send job %d: %w", job.JobID, err)
		}
		var tempErr error
		for _, d := range results {
			switch {
			case d.Success():
			case d.PermFailure():
				s.Logf("scheduler: send job %d: %s permanently rejected: %s", job.JobID, d.Recipient, d.Details)
			default:
				tempErr = fmt.Errorf("scheduler: send job %d: %s: %v", job.JobID, d.Recipient, d.Error)
			}
		}
		return tempErr
	}
}

// registerLocationHandlers registers the Job Queue handlers for the two
// location actions. core/location.Streamer itself drives sending and
// window-closing off its own periodic sweep rather than per-job state,
// so both handlers just nudge it awake and return immediately — their
// purpose is to make sure a JobMaybeSendLocations/JobMaybeSendLocationsEnded
// job enqueued by an older caller (or a future one) is acknowledged
// instead of falling through jobqueue's "no handler" drop path.
func (s *Scheduler) registerLocationHandlers() {
	handler := func(ctx context.Context, conn *sqlite.Conn, job model.Job) error {
		if s.Location != nil {
			s.Location.Interrupt()
		}
		return nil
	}
	s.Jobs.Handlers[model.JobMaybeSendLocations] = handler
	s.Jobs.Handlers[model.JobMaybeSendLocationsEnded] = handler
}

// resetFolderState clears a folder's remembered UID high-water mark
// so the next folder loop iteration re-fetches everything the server
// still has, per JobImexImap's "reimport this folder from scratch"
// (used after a UIDVALIDITY change the loop can't reconcile itself).
func resetFolderState(conn *sqlite.Conn, folder string) error {
	stmt := conn.Prep(`DELETE FROM ImapFolderState WHERE Folder = $folder;`)
	stmt.SetText("$folder", folder)
	_, err := stmt.Step()
	return err
}
