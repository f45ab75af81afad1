package plumb_test

import (
	"errors"
	"testing"

	"github.com/github/go-plumb/plumb"
	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	inner := errors.New("boom")

	withStage := &plumb.Error{Kind: plumb.ResourceError, Stage: "cat [pid 123]", Err: inner}
	assert.Equal(t, "resource error (cat [pid 123]): boom", withStage.Error())
	assert.ErrorIs(t, withStage, inner)

	withoutStage := &plumb.Error{Kind: plumb.ParseError, Err: inner}
	assert.Equal(t, "parse error: boom", withoutStage.Error())
}

func TestErrorKindStrings(t *testing.T) {
	cases := map[plumb.ErrorKind]string{
		plumb.ConfigurationError: "configuration error",
		plumb.ResourceError:      "resource error",
		plumb.ExecError:          "exec error",
		plumb.ChildFailure:       "child failure",
		plumb.LostChild:          "lost child",
		plumb.ParseError:         "parse error",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}
