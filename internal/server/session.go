package server

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SessionName derives the screen session name for a server.
func SessionName(server string) string {
	return "mc_" + unsafeChars.ReplaceAllString(server, "_")
}

// session wraps one named detached screen session. The session outlives the
// supervisor process, so every operation re-queries screen instead of
// trusting cached state.
type session struct {
	name string
	// screen -ls prints sessions as "<pid>.<name>\t(...)". The name is
	// anchored so mc_surv never matches mc_surv2's session.
	re  *regexp.Regexp
	run Runner
}

func newSession(server string, run Runner) *session {
	name := SessionName(server)
	return &session{
		name: name,
		re:   regexp.MustCompile(`(?m)(\d+)\.` + regexp.QuoteMeta(name) + `(?:\s|$)`),
		run:  run,
	}
}

// Alive reports whether the session is registered with screen. screen -ls
// exits nonzero when nothing matches, so only the output is inspected.
func (s *session) Alive(ctx context.Context) bool {
	out, _ := s.run.Output(ctx, "screen", "-ls", s.name)
	return s.re.MatchString(out)
}

// Launch starts argv detached inside the session, with dir as working
// directory.
func (s *session) Launch(ctx context.Context, dir string, argv []string) error {
	args := append([]string{"-dmS", s.name}, argv...)
	return s.run.Run(ctx, dir, "screen", args...)
}

// SendLine types a line into the session's window 0, as if at the console.
func (s *session) SendLine(ctx context.Context, line string) error {
	return s.run.Run(ctx, "", "screen", "-S", s.name, "-p", "0", "-X", "stuff", line+"\n")
}

// Kill force-terminates the session and everything inside it.
func (s *session) Kill(ctx context.Context) error {
	return s.run.Run(ctx, "", "screen", "-S", s.name, "-X", "quit")
}

// Pid returns the screen session's own pid from the session registry.
func (s *session) Pid(ctx context.Context) (int, error) {
	out, err := s.run.Output(ctx, "screen", "-ls", s.name)
	m := s.re.FindStringSubmatch(out)
	if m == nil {
		if err != nil {
			return 0, fmt.Errorf("session %s not found: %w", s.name, err)
		}
		return 0, fmt.Errorf("no pid in screen -ls output for %s", s.name)
	}
	return strconv.Atoi(m[1])
}

// LeafPid walks the session's descendants looking for the actual runtime
// process (java or php). It falls back to the session pid itself when the
// walk finds nothing, which degrades monitoring fidelity but never fails
// the caller.
func (s *session) LeafPid(ctx context.Context) (int, error) {
	sessionPid, err := s.Pid(ctx)
	if err != nil {
		return 0, err
	}
	if pid, ok := s.findRuntime(ctx, sessionPid, 3); ok {
		return pid, nil
	}
	return sessionPid, nil
}

func (s *session) findRuntime(ctx context.Context, pid, depth int) (int, bool) {
	if depth == 0 {
		return 0, false
	}
	out, err := s.run.Output(ctx, "pgrep", "-P", strconv.Itoa(pid))
	if err != nil {
		return 0, false
	}
	for _, f := range strings.Fields(out) {
		child, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		comm, _ := s.run.Output(ctx, "ps", "-o", "comm=", "-p", strconv.Itoa(child))
		switch strings.TrimSpace(comm) {
		case "java", "php":
			return child, true
		}
		if found, ok := s.findRuntime(ctx, child, depth-1); ok {
			return found, true
		}
	}
	return 0, false
}
