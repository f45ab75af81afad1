package plumb

import "context"

// IsolationPolicy resource-limits a forking stage's child process.
// Setup is called immediately after fork, from the parent, with the
// child's pid; Teardown is called once the stage has been reaped.
// Attach one with WithIsolation.
type IsolationPolicy interface {
	Setup(ctx context.Context, pid uint64) error
	Teardown(ctx context.Context) error
}
