package spool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changenotify/internal/dispatch"
	"changenotify/internal/domain"
	logx "changenotify/pkg/logx"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, e domain.Event, targets []dispatch.RoleTarget) (dispatch.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return dispatch.Summary{}, f.err
	}
	f.events = append(f.events, e)
	return dispatch.Summary{EventID: e.ID, TotalSent: len(targets)}, nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

const validFile = `{"event":{"event_id":"e1","severity":"high","data":{"form_name":"I-9"}},"targets":[{"role":"executive"}]}`

func write(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestProcessPending(t *testing.T) {
	dir := t.TempDir()
	fd := &fakeDispatcher{}
	s, err := New(Config{Dir: dir}, fd, logx.Nop(), nil)
	require.NoError(t, err)

	write(t, dir, "a.json", validFile)
	write(t, dir, "b.json", `{"event":{"event_id":"e2"},"bogus":1}`)
	write(t, dir, ".tmp.json", validFile)
	write(t, dir, "notes.txt", "hello")

	n, err := s.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, fd.count())
	assert.Equal(t, "e1", fd.events[0].ID)
	assert.Equal(t, domain.SeverityHigh, fd.events[0].Severity)

	assert.FileExists(t, filepath.Join(dir, doneDir, "a.json"))
	assert.FileExists(t, filepath.Join(dir, doneDir, "a.summary.json"))
	assert.FileExists(t, filepath.Join(dir, failedDir, "b.json"))
	errText, err := os.ReadFile(filepath.Join(dir, failedDir, "b.error"))
	require.NoError(t, err)
	assert.Contains(t, string(errText), "bogus")

	assert.FileExists(t, filepath.Join(dir, ".tmp.json"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "a.json"))
}

func TestDefaultTargetsAndDispatchErrors(t *testing.T) {
	dir := t.TempDir()
	fd := &fakeDispatcher{}
	s, err := New(Config{Dir: dir}, fd, logx.Nop(), nil)
	require.NoError(t, err)

	p := write(t, dir, "n.json", `{"event":{"event_id":"e3","severity":"low"}}`)
	assert.ErrorContains(t, s.ProcessFile(context.Background(), p), "no targets")

	s.cfg.DefaultTargets = []dispatch.RoleTarget{{Role: "executive"}}
	fd.err = errors.New("store unavailable")
	p = write(t, dir, "m.json", `{"event":{"event_id":"e4","severity":"low"}}`)
	assert.ErrorContains(t, s.ProcessFile(context.Background(), p), "store unavailable")

	// Same name again lands next to the first failure.
	p = write(t, dir, "m.json", `{"event":{"event_id":"e4","severity":"low"}}`)
	require.Error(t, s.ProcessFile(context.Background(), p))
	entries, err := os.ReadDir(filepath.Join(dir, failedDir))
	require.NoError(t, err)
	assert.Len(t, entries, 6)

	// Vanished files are not an error.
	assert.NoError(t, s.ProcessFile(context.Background(), filepath.Join(dir, "gone.json")))
}

func TestRunPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	fd := &fakeDispatcher{}
	s, err := New(Config{Dir: dir, Settle: 20 * time.Millisecond}, fd, logx.Nop(), nil)
	require.NoError(t, err)
	write(t, dir, "early.json", validFile)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return fd.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	tmp := write(t, dir, ".incoming", validFile)
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "late.json")))
	require.Eventually(t, func() bool { return fd.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, doneDir, "late.json"))
		return err == nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
