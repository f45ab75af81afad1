package plumb

import "strings"

// Option configures a Stage at construction time, in the style of
// the teacher pipeline's functional Option pattern.
type Option func(*Stage)

// WithProgram sets the external program to exec.
func WithProgram(program string) Option {
	return func(s *Stage) { s.program = program }
}

// WithArgs sets the argument list. While no program has been set, a
// single element containing whitespace is treated as a full command
// line and tokenized with Unquote: its first word becomes the program
// and the rest the arguments. Once a program is set, every element is
// kept as one argument.
func WithArgs(args []string) Option {
	return func(s *Stage) {
		if len(args) == 1 && s.program == "" && strings.ContainsAny(args[0], " \t\n") {
			words, err := Unquote(args[0])
			if err == nil && len(words) > 0 {
				s.program = words[0]
				s.args = words[1:]
				return
			}
		}
		s.args = args
	}
}

// WithCode sets the stage's in-process callable and its kind to
// KindInProcessCode.
func WithCode(code Code) Option {
	return func(s *Stage) {
		s.code = code
		s.kind = KindInProcessCode
	}
}

// WithEnv sets the child's environment; absent (nil/unset) means
// inherit the host's.
func WithEnv(env map[string]string) Option {
	return func(s *Stage) { s.env = env }
}

// WithCwd sets the child's working directory; absent means inherit.
func WithCwd(cwd string) Option {
	return func(s *Stage) { s.cwd = cwd }
}

// WithPreForkHook installs a hook run just before a forking stage
// forks (spec §4.5 step 5).
func WithPreForkHook(hook func(*Stage)) Option {
	return func(s *Stage) { s.preForkHook = hook }
}

// WithPreExecHook installs a hook run as a stage's work begins. For
// in-process code it runs just before the Code callable starts. For an
// external program it runs in the parent, right after the child has
// been started; it does not run in the child, since Go cannot run code
// between fork and exec.
func WithPreExecHook(hook func(*Stage)) Option {
	return func(s *Stage) { s.preExecHook = hook }
}

// WithIsolation attaches a resource-isolation policy (see
// isolation.go) that is set up right after the stage forks and torn
// down after it is reaped.
func WithIsolation(p IsolationPolicy) Option {
	return func(s *Stage) { s.isolation = p }
}

// WithPanicHandler installs a recovery function for a KindInProcessCode
// stage's goroutine. If the Code callable panics, the goroutine
// recovers, calls handler with the recovered value, and treats a
// non-nil returned error as the stage's failure (as if Fatal had been
// returned). Without a handler, a panicking Code callable crashes the
// whole process, matching what a real child process's segfault would
// do to its own address space but nobody else's.
func WithPanicHandler(handler func(p any) error) Option {
	return func(s *Stage) { s.panicHandler = handler }
}
