package plumb

import (
	"os"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// debugLevel mirrors IO_PLUMBING_DEBUG: 0 (or unset) disables
// tracing, 1 prints fork/plumb events, 2+ additionally prints
// per-descriptor events.
var (
	debugOnce  sync.Once
	debugLevel int
	tracer     zerolog.Logger
)

func debugLevelFromEnv() int {
	v := os.Getenv("IO_PLUMBING_DEBUG")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func initDebug() {
	debugOnce.Do(func() {
		debugLevel = debugLevelFromEnv()
		w := zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true, TimeFormat: "15:04:05.000"}
		tracer = zerolog.New(w).With().Timestamp().Logger()
		if debugLevel <= 0 {
			tracer = tracer.Level(zerolog.Disabled)
		} else if debugLevel == 1 {
			tracer = tracer.Level(zerolog.InfoLevel)
		} else {
			tracer = tracer.Level(zerolog.DebugLevel)
		}
	})
}

// traceFork logs a fork/plumb-level event (level 1+).
func traceFork(stage, msg string) {
	initDebug()
	tracer.Info().Str("stage", stage).Msg(msg)
}

// traceFD logs a per-descriptor event (level 2+).
func traceFD(stage string, fd int, msg string) {
	initDebug()
	tracer.Debug().Str("stage", stage).Int("fd", fd).Msg(msg)
}

// Event mirrors the teacher pipeline's pluggable event-handler
// pattern, so callers who don't want zerolog on stderr can still
// observe what the executor and fittings are doing.
type Event struct {
	Stage string
	Msg   string
	Err   error
}

var eventHandler = func(*Event) {}

// WithEventHandler installs a package-wide handler that is called
// for every executor and fitting event (isolation setup failures,
// truncated buckets, memory-limit kills, and the like), in addition
// to whatever IO_PLUMBING_DEBUG
// tracing is configured. Passing nil restores the no-op default.
func WithEventHandler(h func(*Event)) {
	if h == nil {
		h = func(*Event) {}
	}
	eventHandler = h
}

func emit(stage, msg string, err error) {
	eventHandler(&Event{Stage: stage, Msg: msg, Err: err})
}
