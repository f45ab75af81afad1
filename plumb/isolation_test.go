package plumb_test

import (
	"context"
	"sync"
	"testing"

	"github.com/github/go-plumb/plumb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIsolation is a test double for plumb.IsolationPolicy: it
// doesn't touch real cgroups, it just records when and with what pid
// it was called, so the test can assert Setup/Teardown fire at the
// right points in a stage's lifecycle without root or a cgroup
// filesystem.
type fakeIsolation struct {
	mu         sync.Mutex
	setupPid   uint64
	setupCalls int
	tornDown   bool
}

func (f *fakeIsolation) Setup(ctx context.Context, pid uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setupPid = pid
	f.setupCalls++
	return nil
}

func (f *fakeIsolation) Teardown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDown = true
	return nil
}

func (f *fakeIsolation) snapshot() (uint64, int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setupPid, f.setupCalls, f.tornDown
}

func TestIsolationPolicySetupAndTeardownLifecycle(t *testing.T) {
	ctx := context.Background()
	iso := &fakeIsolation{}

	// cat blocks on stdin until the hose is closed, so Setup can be
	// observed deterministically before the stage has any chance to
	// exit and be torn down.
	hose, err := plumb.NewHose()
	require.NoError(t, err)

	s := plumb.NewExternalProgram("cat", plumb.WithIsolation(iso))
	require.NoError(t, s.Input(hose))
	require.NoError(t, s.Output(plumb.NewBucket()))
	require.NoError(t, s.Execute(ctx))

	pid, calls, tornDown := iso.snapshot()
	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(s.PID()), pid)
	assert.False(t, tornDown, "Teardown must not fire before the stage is reaped")

	require.NoError(t, hose.Close())
	require.NoError(t, s.Wait())

	_, _, tornDown = iso.snapshot()
	assert.True(t, tornDown, "Teardown must fire once the stage has been reaped")
}
