package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/auth"
	"crmsync/internal/models"
	"crmsync/internal/testutil"
)

type staticUsers struct {
	users []string
	err   error
	asked string
}

func (u *staticUsers) ListActiveUsers(ctx context.Context, integrationType string) ([]string, error) {
	u.asked = integrationType
	return u.users, u.err
}

type scriptedRunner struct {
	mu   sync.Mutex
	runs map[string]func() (*models.SyncOutcome, error)
	seen []string
}

func (r *scriptedRunner) IntegrationType() string { return models.IntegrationGoogle }

func (r *scriptedRunner) Sync(ctx context.Context, userID string) (*models.SyncOutcome, error) {
	r.mu.Lock()
	r.seen = append(r.seen, userID)
	fn := r.runs[userID]
	r.mu.Unlock()
	return fn()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_IsolatesUsers(t *testing.T) {
	runner := &scriptedRunner{runs: map[string]func() (*models.SyncOutcome, error){
		"a": func() (*models.SyncOutcome, error) {
			return &models.SyncOutcome{UserID: "a"}, &auth.TokenRefreshError{StatusCode: 500, Err: errors.New("backend_error")}
		},
		"b": func() (*models.SyncOutcome, error) {
			return &models.SyncOutcome{UserID: "b", Imported: 2, Skipped: 1, Exported: 3}, nil
		},
		"c": func() (*models.SyncOutcome, error) {
			panic("nil map")
		},
	}}
	users := &staticUsers{users: []string{"a", "b", "c"}}

	for _, concurrency := range []int{1, 3} {
		runner.seen = nil
		report := New(discardLogger(), users, runner, testutil.FixedClock(), concurrency).Run(context.Background())

		assert.Equal(t, models.IntegrationGoogle, users.asked)
		assert.ElementsMatch(t, []string{"a", "b", "c"}, runner.seen)
		assert.Equal(t, 1, report.Succeeded)
		assert.Equal(t, 2, report.Failed)
		assert.Equal(t, 2, report.Imported)
		assert.Equal(t, 1, report.Skipped)
		assert.Equal(t, 3, report.Exported)
		require.Len(t, report.Errors, 2)
		assert.Contains(t, report.Errors["a"], "backend_error")
		assert.Contains(t, report.Errors["c"], "panic")
		assert.NotContains(t, report.Errors, "b")
	}
}

func TestRun_ListFailureIsReported(t *testing.T) {
	users := &staticUsers{err: errors.New("database is locked")}
	report := New(discardLogger(), users, &scriptedRunner{}, nil, 1).Run(context.Background())

	assert.Equal(t, "database is locked", report.Error)
	assert.Zero(t, report.Succeeded)
	assert.Zero(t, report.Failed)
}

func TestRun_NoUsers(t *testing.T) {
	report := New(discardLogger(), &staticUsers{}, &scriptedRunner{}, nil, 1).Run(context.Background())
	assert.Zero(t, report.Succeeded)
	assert.Empty(t, report.Errors)
}

func TestWatch_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	runs := 0
	runner := &scriptedRunner{runs: map[string]func() (*models.SyncOutcome, error){
		"a": func() (*models.SyncOutcome, error) {
			mu.Lock()
			defer mu.Unlock()
			runs++
			if runs == 2 {
				cancel()
			}
			return &models.SyncOutcome{}, nil
		},
	}}

	done := make(chan struct{})
	go func() {
		New(discardLogger(), &staticUsers{users: []string{"a"}}, runner, nil, 1).Watch(ctx, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, runs, 2)
}
