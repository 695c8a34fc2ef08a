package executor

import (
	"fmt"
	"sort"
	"time"
)

// Kind tags which variant of Outcome a host produced.
type Kind int

const (
	// Success means the command finished within the deadline with exit status 0.
	Success Kind = iota
	// ConnectionFailed means no session could be established to the host.
	ConnectionFailed
	// TimedOut means the command did not finish within the deadline.
	TimedOut
	// UnexpectedExit means the remote command exited non-zero, by signal,
	// or without reporting a status.
	UnexpectedExit
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case ConnectionFailed:
		return "connection_failed"
	case TimedOut:
		return "timeout"
	case UnexpectedExit:
		return "unexpected_exit"
	default:
		return "unknown"
	}
}

// Outcome is the result of running a command on a single host. Which fields
// are meaningful depends on Kind: Stdout for Success, Err for
// ConnectionFailed, Deadline for TimedOut, Detail for UnexpectedExit.
type Outcome struct {
	Kind     Kind
	Stdout   string
	Stderr   string
	ExitCode int
	Deadline time.Duration
	Detail   string
	Err      error
	Duration time.Duration
}

// Succeeded returns a Success outcome carrying stdout.
func Succeeded(stdout string) Outcome {
	return Outcome{Kind: Success, Stdout: stdout}
}

// Unreachable returns a ConnectionFailed outcome wrapping err.
func Unreachable(err error) Outcome {
	return Outcome{Kind: ConnectionFailed, Err: err, ExitCode: -1}
}

// Expired returns a TimedOut outcome for the given deadline.
func Expired(deadline time.Duration) Outcome {
	return Outcome{Kind: TimedOut, Deadline: deadline, ExitCode: -1}
}

// Exited returns an UnexpectedExit outcome with the transport's detail text.
func Exited(exitCode int, detail string) Outcome {
	return Outcome{Kind: UnexpectedExit, ExitCode: exitCode, Detail: detail}
}

// Text renders the outcome the way it appears under a host header in the report.
func (o Outcome) Text() string {
	switch o.Kind {
	case Success:
		return o.Stdout
	case ConnectionFailed:
		return "Unable to connect to host"
	case TimedOut:
		return fmt.Sprintf("ERROR: Command Timeout (did not complete within %s)", formatDeadline(o.Deadline))
	case UnexpectedExit:
		return o.Detail
	default:
		return "unknown outcome"
	}
}

// formatDeadline prints whole-second deadlines as "N seconds" and anything
// finer with time.Duration's own notation.
func formatDeadline(d time.Duration) string {
	if d%time.Second == 0 {
		secs := int64(d / time.Second)
		if secs == 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", secs)
	}
	return d.String()
}

// ResultSet maps each host to the outcome its worker recorded.
type ResultSet map[string]Outcome

// Hosts returns the result keys in lexicographic order.
func (rs ResultSet) Hosts() []string {
	hosts := make([]string, 0, len(rs))
	for h := range rs {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Count returns how many hosts ended with the given kind.
func (rs ResultSet) Count(k Kind) int {
	n := 0
	for _, o := range rs {
		if o.Kind == k {
			n++
		}
	}
	return n
}
