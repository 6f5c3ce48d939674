package leaderelection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

type mockMetrics struct {
	mu       sync.Mutex
	statuses []bool
	acquired int
	lost     []string
}

func (m *mockMetrics) LeaderStatusChanged(isLeader bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, isLeader)
}

func (m *mockMetrics) LeaderAcquired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired++
}

func (m *mockMetrics) LeaderLost(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = append(m.lost, reason)
}

func lockRows(v bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"locked"}).AddRow(v)
}

func TestElector_LockHeldElsewhere(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(queryTryLock).WithArgs(int64(42)).WillReturnRows(lockRows(false))

	elected := false
	e := New(db, 42, time.Second, time.Second,
		func(ctx context.Context) { elected = true },
		func() {},
	)

	if reason := e.campaign(context.Background()); reason != "" {
		t.Errorf("reason = %q, want empty", reason)
	}
	if elected {
		t.Error("onElected called without the lock")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestElector_LockQueryError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(queryTryLock).WithArgs(int64(42)).WillReturnError(errors.New("syntax error"))

	e := New(db, 42, time.Second, time.Second, func(ctx context.Context) {}, func() {})
	if reason := e.campaign(context.Background()); reason != "" {
		t.Errorf("reason = %q, want empty", reason)
	}
}

func TestElector_ShutdownReleasesLock(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(queryTryLock).WithArgs(int64(7)).WillReturnRows(lockRows(true))
	mock.ExpectQuery(queryUnlock).WithArgs(int64(7)).WillReturnRows(lockRows(true))

	ctx, cancel := context.WithCancel(context.Background())

	elected := make(chan context.Context, 1)
	var demotedMu sync.Mutex
	demoted := 0
	metrics := &mockMetrics{}

	e := New(db, 7, time.Second, time.Hour,
		func(leaderCtx context.Context) { elected <- leaderCtx },
		func() {
			demotedMu.Lock()
			demoted++
			demotedMu.Unlock()
		},
	).WithMetrics(metrics)

	result := make(chan string, 1)
	go func() { result <- e.campaign(ctx) }()

	var leaderCtx context.Context
	select {
	case leaderCtx = <-elected:
	case <-time.After(2 * time.Second):
		t.Fatal("onElected was not called")
	}

	cancel()

	select {
	case reason := <-result:
		if reason != ReasonShutdown {
			t.Errorf("reason = %q, want %q", reason, ReasonShutdown)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("campaign did not return after cancel")
	}

	if leaderCtx.Err() == nil {
		t.Error("leader context should be cancelled after demotion")
	}
	demotedMu.Lock()
	if demoted != 1 {
		t.Errorf("onDemoted called %d times, want 1", demoted)
	}
	demotedMu.Unlock()

	metrics.mu.Lock()
	if metrics.acquired != 1 {
		t.Errorf("acquired = %d, want 1", metrics.acquired)
	}
	if len(metrics.statuses) != 2 || !metrics.statuses[0] || metrics.statuses[1] {
		t.Errorf("statuses = %v, want [true false]", metrics.statuses)
	}
	if len(metrics.lost) != 1 || metrics.lost[0] != ReasonShutdown {
		t.Errorf("lost = %v, want [shutdown]", metrics.lost)
	}
	metrics.mu.Unlock()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestElector_ConnectionLoss(t *testing.T) {
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual),
		sqlmock.MonitorPingsOption(true),
	)
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(queryTryLock).WithArgs(int64(7)).WillReturnRows(lockRows(true))
	mock.ExpectPing().WillReturnError(errors.New("connection reset"))

	demoted := make(chan struct{}, 1)
	e := New(db, 7, time.Second, 10*time.Millisecond,
		func(ctx context.Context) {},
		func() { demoted <- struct{}{} },
	)

	result := make(chan string, 1)
	go func() { result <- e.campaign(context.Background()) }()

	select {
	case reason := <-result:
		if reason != ReasonConnLost {
			t.Errorf("reason = %q, want %q", reason, ReasonConnLost)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("campaign did not notice the lost connection")
	}

	select {
	case <-demoted:
	default:
		t.Error("onDemoted was not called")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestElector_RunStopsOnCancel(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(queryTryLock).WithArgs(int64(1)).WillReturnRows(lockRows(false))

	e := New(db, 1, time.Hour, time.Second, func(ctx context.Context) {}, func() {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
