package plumb_test

import (
	"context"
	"testing"
	"time"

	"github.com/github/go-plumb/plumb"
	"github.com/stretchr/testify/require"
)

// TestMemoryObserverTracksProcessTree mirrors the teacher's own
// MemoryObserver test shape: feed `less` enough stdin that it buffers a
// measurable amount of resident memory, wrapped in a `sh -c "less; :"`
// shell so GetRSSAnon must sum the process tree (the `sh` parent alone
// reports close to nothing) rather than a single pid.
func TestMemoryObserverTracksProcessTree(t *testing.T) {
	ctx := context.Background()

	hose, err := plumb.NewHose()
	require.NoError(t, err)

	less := plumb.NewExternalProgram("sh", "-c", "less; :", plumb.WithMemoryObserver())
	require.NoError(t, hose.Output(less))
	require.NoError(t, less.Output(plumb.NewVent()))

	require.NoError(t, less.Execute(ctx))

	var mb [1 << 20]byte
	for i := 0; i < 64; i++ {
		_, err := hose.Handle().Write(mb[:])
		require.NoError(t, err)
	}

	rss, err := less.GetRSSAnon(ctx)
	require.NoError(t, err)
	require.Greater(t, rss, uint64(0))

	require.NoError(t, hose.Close())
	_ = less.Wait()
}

// TestMemoryLimitKillsStage pairs a tight WithMemoryLimit with a stage
// fed far more data than the limit allows, and expects watchMemory to
// kill it well before it could read everything.
func TestMemoryLimitKillsStage(t *testing.T) {
	ctx := context.Background()

	hose, err := plumb.NewHose()
	require.NoError(t, err)

	less := plumb.NewExternalProgram("sh", "-c", "less; :", plumb.WithMemoryLimit(16<<20))
	require.NoError(t, hose.Output(less))
	require.NoError(t, less.Output(plumb.NewVent()))

	require.NoError(t, less.Execute(ctx))

	done := make(chan struct{})
	go func() {
		var mb [1 << 20]byte
		for i := 0; i < 512; i++ {
			if _, err := hose.Handle().Write(mb[:]); err != nil {
				break
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
	}
	_ = hose.Close()

	err = less.Wait()
	require.Error(t, err)
}
