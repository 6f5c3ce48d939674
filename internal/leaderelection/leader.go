// Package leaderelection picks the one postcron instance that fires posts
// when several instances share a Postgres store.
//
// The elected instance holds a session-level advisory lock on a connection
// it keeps out of the pool. Nothing renews the lock; it lives exactly as
// long as that session. Pinging the session only tells this instance early
// that it is gone, so it can stop scheduling before another one takes over.
package leaderelection

import (
	"context"
	"database/sql"
	"log"
	"time"
)

const (
	queryTryLock = `SELECT pg_try_advisory_lock($1)`
	queryUnlock  = `SELECT pg_advisory_unlock($1)`
)

const unlockTimeout = 5 * time.Second

// Reasons reported to LeaderLost.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Elector competes for the scheduling lock and runs the duty callbacks
// around each term it wins.
type Elector struct {
	db      *sql.DB
	lockKey int64

	retryEvery time.Duration
	pingEvery  time.Duration

	onElected func(ctx context.Context)
	onDemoted func()
	metrics   MetricsSink
}

// New returns an Elector for lockKey. Followers retry the lock every
// retryInterval; the leader pings its session every heartbeatInterval.
//
// onElected runs in its own goroutine with a context that ends with the
// term. onDemoted runs synchronously when the term ends, must not return
// before the duties stopped, and may be called when nothing is running.
func New(
	db *sql.DB,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
) *Elector {
	return &Elector{
		db:         db,
		lockKey:    lockKey,
		retryEvery: retryInterval,
		pingEvery:  heartbeatInterval,
		onElected:  onElected,
		onDemoted:  onDemoted,
	}
}

func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// Run campaigns for the lock until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: campaigning lock_key=%d retry=%s ping=%s", e.lockKey, e.retryEvery, e.pingEvery)
	defer log.Println("leader: stopped campaigning")

	wait := time.NewTimer(0)
	defer wait.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wait.C:
		}

		if reason := e.campaign(ctx); reason != "" && ctx.Err() == nil {
			log.Printf("leader: term ended reason=%s, next attempt in %s", reason, e.retryEvery)
		}
		wait.Reset(e.retryEvery)
	}
}

// campaign makes one attempt at the lock. When it wins, it serves the term
// and returns why the term ended; it returns "" when it did not win.
func (e *Elector) campaign(ctx context.Context) string {
	if ctx.Err() != nil {
		return ""
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		log.Printf("leader: no connection for the lock session: %v", err)
		return ""
	}
	defer conn.Close()

	var won bool
	if err := conn.QueryRowContext(ctx, queryTryLock, e.lockKey).Scan(&won); err != nil {
		log.Printf("leader: try lock %d: %v", e.lockKey, err)
		return ""
	}
	if !won {
		log.Printf("leader: lock %d taken, staying follower", e.lockKey)
		return ""
	}

	e.elected()

	termCtx, endTerm := context.WithCancel(ctx)
	go e.onElected(termCtx)

	reason := e.watchSession(ctx, conn)

	endTerm()
	e.onDemoted()
	if reason == ReasonShutdown {
		e.unlock(ctx, conn)
	}

	e.demoted(reason)
	return reason
}

func (e *Elector) elected() {
	log.Printf("leader: won lock %d, this instance now fires posts", e.lockKey)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}
}

func (e *Elector) demoted(reason string) {
	log.Printf("leader: gave up lock %d reason=%s", e.lockKey, reason)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}
}

// unlock drops the lock on the session before conn.Close hands it back to
// the pool; a pooled session would otherwise keep it.
func (e *Elector) unlock(ctx context.Context, conn *sql.Conn) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
	defer cancel()

	var released bool
	if err := conn.QueryRowContext(ctx, queryUnlock, e.lockKey).Scan(&released); err != nil {
		log.Printf("leader: unlock %d: %v", e.lockKey, err)
		return
	}
	if !released {
		log.Printf("leader: lock %d was no longer held at unlock", e.lockKey)
	}
}

// watchSession blocks for the length of the term: until ctx ends or a ping
// on the lock session fails.
func (e *Elector) watchSession(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
		}

		err := conn.PingContext(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ReasonShutdown
		default:
			log.Printf("leader: lock session lost: %v", err)
			return ReasonConnLost
		}
	}
}
