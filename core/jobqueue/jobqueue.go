// Package jobqueue implements the Job Queue: a sqlite-persisted
// work list for everything the account context needs to retry until
// it succeeds (send this message, delete that IMAP message, mark
// this as seen). It is built the way spilldb/processor and
// spilldb/deliverer build their own ticker-driven loops: a
// context/cancel/done background task woken by either a timer or an
// explicit nudge, with sqlite as the only source of truth so a crash
// mid-retry loses nothing.
package jobqueue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"inkmail.dev/chatcore/core/model"
	"inkmail.dev/chatcore/core/store"
	"inkmail.dev/chatcore/internal/elog"
)

// MaxTries is JOB_RETRIES: after this many failed attempts a job is
// given up on and deleted rather than retried forever.
const MaxTries = 17

// pollInterval bounds how long a job can sit ready-to-run before the
// queue notices it without an explicit Nudge.
const pollInterval = 15 * time.Second

// backoff returns the delay before retry number tries+1, per
// backoff(tries) = rand(1..=2^(tries-1)*60) seconds: a single failure
// retries within a minute, but the window doubles with every
// subsequent failure so a server outage doesn't turn into a
// thundering herd of retries the moment it recovers.
func backoff(tries int) time.Duration {
	if tries < 1 {
		tries = 1
	}
	max := int64(1) << uint(tries-1) * 60
	if max < 1 {
		max = 1
	}
	return time.Duration(1+rand.Int63n(max)) * time.Second
}

// Handler performs the work named by a Job's Action. Returning an
// error causes a retry per backoff(); returning nil removes the job.
type Handler func(ctx context.Context, conn *sqlite.Conn, job model.Job) error

// Queue is the Job Queue.
type Queue struct {
	DB       *sqlitex.Pool
	Logf     elog.Logf
	Handlers map[model.JobAction]Handler

	ctx      context.Context
	cancelFn func()
	done     chan struct{}
	nudge    chan struct{}
}

// New creates a Queue. Register handlers on the returned Queue's
// Handlers map before calling Run.
func New(db *sqlitex.Pool) *Queue {
	return &Queue{
		DB:       db,
		Logf:     elog.New("jobqueue"),
		Handlers: make(map[model.JobAction]Handler),
		nudge:    make(chan struct{}, 1),
	}
}

// Enqueue persists a new Job ready to run immediately.
func (q *Queue) Enqueue(ctx context.Context, action model.JobAction, msgID int64, param map[string]string) (jobID int64, err error) {
	conn := q.DB.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer q.DB.Put(conn)

	paramText, err := store.EncodeParam(param)
	if err != nil {
		return 0, err
	}

	stmt := conn.Prep(`INSERT INTO Jobs (Action, MsgID, Param, Added, Tries, NotBefore)
		VALUES ($action, $msgID, $param, $added, 0, $added);`)
	stmt.SetInt64("$action", int64(action))
	stmt.SetInt64("$msgID", msgID)
	stmt.SetText("$param", paramText)
	stmt.SetInt64("$added", time.Now().Unix())
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	jobID = conn.LastInsertRowID()
	q.Nudge()
	return jobID, nil
}

// Nudge wakes the queue immediately instead of waiting for the next
// poll tick; callers enqueue a job and nudge in the same breath so a
// freshly-queued send doesn't sit idle for up to pollInterval.
func (q *Queue) Nudge() {
	select {
	case q.nudge <- struct{}{}:
	default:
	}
}

// Run drives the queue until Shutdown is called.
func (q *Queue) Run() {
	q.ctx, q.cancelFn = context.WithCancel(context.Background())
	q.done = make(chan struct{})
	defer close(q.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := q.runReady(q.ctx); err != nil && q.ctx.Err() == nil {
			q.Logf("jobqueue: run ready: %v", err)
		}

		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
		case <-q.nudge:
		}
	}
}

// Shutdown stops Run and waits for it to return.
func (q *Queue) Shutdown() {
	if q.cancelFn == nil {
		return
	}
	q.cancelFn()
	<-q.done
}

const batchSize = 50

func (q *Queue) runReady(ctx context.Context) error {
	conn := q.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	jobs, err := collectReady(conn, time.Now().Unix())
	q.DB.Put(conn)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		job := job
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.run(ctx, job)
		}()
	}
	wg.Wait()

	if len(jobs) == batchSize {
		q.Nudge() // more may be waiting
	}
	return nil
}

func collectReady(conn *sqlite.Conn, now int64) ([]model.Job, error) {
	stmt := conn.Prep(`SELECT JobID, Action, MsgID, Param, Added, Tries, NotBefore
		FROM Jobs WHERE NotBefore <= $now ORDER BY JobID LIMIT $limit;`)
	stmt.SetInt64("$now", now)
	stmt.SetInt64("$limit", batchSize)

	var jobs []model.Job
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		param, err := store.DecodeParam(stmt.GetText("Param"))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, model.Job{
			JobID:     stmt.GetInt64("JobID"),
			Action:    model.JobAction(stmt.GetInt64("Action")),
			MsgID:     stmt.GetInt64("MsgID"),
			Param:     param,
			Added:     time.Unix(stmt.GetInt64("Added"), 0).UTC(),
			Tries:     int(stmt.GetInt64("Tries")),
			NotBefore: time.Unix(stmt.GetInt64("NotBefore"), 0).UTC(),
		})
	}
	return jobs, nil
}

func (q *Queue) run(ctx context.Context, job model.Job) {
	handler, ok := q.Handlers[job.Action]
	if !ok {
		q.Logf("jobqueue: no handler for %s, dropping job %d", job.Action, job.JobID)
		q.delete(job.JobID)
		return
	}

	conn := q.DB.Get(ctx)
	if conn == nil {
		return
	}
	defer q.DB.Put(conn)

	err := handler(ctx, conn, job)
	if err == nil {
		q.delete(job.JobID)
		return
	}

	tries := job.Tries + 1
	entry := elog.Entry{
		Where: "jobqueue", What: fmt.Sprintf("job_failed:%s", job.Action),
		When: time.Now(), Err: err,
		Data: map[string]interface{}{"job_id": job.JobID, "tries": tries},
	}
	q.Logf("%s", entry)

	if tries >= MaxTries {
		q.Logf("jobqueue: job %d (%s) exhausted retries, dropping", job.JobID, job.Action)
		q.delete(job.JobID)
		return
	}

	notBefore := time.Now().Add(backoff(tries)).Unix()
	stmt := conn.Prep(`UPDATE Jobs SET Tries = $tries, NotBefore = $notBefore WHERE JobID = $jobID;`)
	stmt.SetInt64("$tries", int64(tries))
	stmt.SetInt64("$notBefore", notBefore)
	stmt.SetInt64("$jobID", job.JobID)
	if _, err := stmt.Step(); err != nil {
		q.Logf("jobqueue: reschedule job %d: %v", job.JobID, err)
	}
}

func (q *Queue) delete(jobID int64) {
	conn := q.DB.Get(q.ctx)
	if conn == nil {
		return
	}
	defer q.DB.Put(conn)
	stmt := conn.Prep(`DELETE FROM Jobs WHERE JobID = $jobID;`)
	stmt.SetInt64("$jobID", jobID)
	if _, err := stmt.Step(); err != nil {
		q.Logf("jobqueue: delete job %d: %v", jobID, err)
	}
}
