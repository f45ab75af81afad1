package plumb_test

import (
	"testing"

	"github.com/github/go-plumb/plumb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFittingCannotBindBothDirections(t *testing.T) {
	bucket := plumb.NewBucket()

	sink := plumb.NewExternalProgram("cat")
	require.NoError(t, sink.Output(bucket)) // binds bucket as filling (sink)

	source := plumb.NewExternalProgram("cat")
	err := source.Input(bucket) // tries to also bind it as pouring (source)
	require.Error(t, err)

	var perr *plumb.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, plumb.ConfigurationError, perr.Kind)
}

func TestFittingCanRebindSameDirection(t *testing.T) {
	bucket := plumb.NewBucket()

	a := plumb.NewExternalProgram("cat")
	require.NoError(t, a.Output(bucket))

	b := plumb.NewExternalProgram("cat")
	// Binding again in the same direction (filling) is not a conflict,
	// even though only one edge can really be active at a time.
	require.NoError(t, b.Output(bucket))
}

func TestTerminusWalksToEndOfOutputChain(t *testing.T) {
	a := plumb.NewExternalProgram("cat")
	b := plumb.NewExternalProgram("cat")
	c := plumb.NewExternalProgram("cat")
	require.NoError(t, a.Output(b))
	require.NoError(t, b.Output(c))

	assert.Same(t, c, a.Terminus())
}

func TestOutputPeerVisibleFromEitherSide(t *testing.T) {
	a := plumb.NewExternalProgram("cat")
	b := plumb.NewExternalProgram("sed")
	require.NoError(t, a.Output(b))

	assert.Same(t, b, a.OutputPeer())
	assert.Same(t, a, b.InputPeer())
}

func TestLinkStringShellShortcuts(t *testing.T) {
	a := plumb.NewExternalProgram("cat")
	require.NoError(t, a.Output("| sed s/a/b/"))

	peer := a.OutputPeer()
	require.NotNil(t, peer)
	assert.Contains(t, peer.Name(), "sed")
}
