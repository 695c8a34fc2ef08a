package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"charm.land/lipgloss/v2"

	"github.com/agent462/fanout/internal/executor"
	"github.com/agent462/fanout/internal/transfer"
)

// tailLines is how much of each stream an UnexpectedExit detail keeps.
const tailLines = 10

// HostConfig holds per-host SSH connection details.
type HostConfig struct {
	Hostname     string // actual hostname to dial (may differ from the map key)
	User         string
	Port         int
	IdentityFile string
	ProxyJump    string
}

// Runner implements executor.Runner with one SSH connection per call.
type Runner struct {
	baseConf  ClientConfig
	hostConfs map[string]HostConfig

	echo      io.Writer
	echoStyle lipgloss.Style
	echoMu    sync.Mutex

	script    string
	scriptDir string
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithEcho writes each command line to w before it is run. The echo is
// local only and never part of the captured output.
func WithEcho(w io.Writer, color bool) RunnerOption {
	return func(r *Runner) {
		r.echo = w
		r.echoStyle = lipgloss.NewStyle()
		if color {
			r.echoStyle = r.echoStyle.Bold(true)
		}
	}
}

// WithScript uploads the local file at path to remoteDir on every host and
// runs it, passing the command as its arguments. The upload is removed once
// the command finishes.
func WithScript(path, remoteDir string) RunnerOption {
	return func(r *Runner) {
		r.script = path
		r.scriptDir = remoteDir
	}
}

// NewRunner creates a Runner with a base config and per-host overrides.
func NewRunner(baseConf ClientConfig, hostConfs map[string]HostConfig, opts ...RunnerOption) *Runner {
	r := &Runner{
		baseConf:  baseConf,
		hostConfs: hostConfs,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a command on a single host and classifies what happened.
// The connection, including any jump hosts, is closed before it returns.
func (r *Runner) Run(ctx context.Context, host string, command string) executor.Outcome {
	conf, dialHost := resolveHostConf(r.baseConf, r.hostConfs, host)
	conf.ConnectTimeout = connectBudget(ctx, conf.ConnectTimeout)

	client, err := Dial(ctx, dialHost, conf)
	if err != nil {
		if ctx.Err() != nil {
			return executor.Expired(0)
		}
		return executor.Unreachable(WrapConnectError(host, fmt.Errorf("connect: %w", err)))
	}
	defer client.Close()

	if r.script != "" {
		remotePath, cleanup, err := transfer.StageFile(ctx, client.SSHClient(), r.script, r.scriptDir)
		if err != nil {
			if ctx.Err() != nil {
				return executor.Expired(0)
			}
			return executor.Exited(-1, fmt.Sprintf("staging %s: %v", r.script, err))
		}
		defer func() {
			if err := cleanup(); err != nil {
				slog.Debug("removing staged script failed", "host", host, "path", remotePath, "err", err)
			}
		}()
		command = strings.TrimSpace(shellQuote(remotePath) + " " + command)
	}

	r.writeEcho(command)

	res, err := client.RunCommand(ctx, command)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConnected):
		return executor.Unreachable(WrapConnectError(host, err))
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return executor.Expired(0)
	default:
		return executor.Exited(-1, err.Error())
	}

	if !res.Clean() {
		out := executor.Exited(res.ExitCode, exitDetail(command, res))
		out.Stdout = string(res.Stdout)
		out.Stderr = string(res.Stderr)
		return out
	}

	out := executor.Succeeded(string(res.Stdout))
	out.Stderr = string(res.Stderr)
	return out
}

// connectBudget caps the connect timeout at half of what is left of the
// command deadline, so a host that never answers is reported as unreachable
// instead of using up the deadline and timing out.
func connectBudget(ctx context.Context, d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return d
	}
	if half := time.Until(deadline) / 2; half > 0 && half < d {
		return half
	}
	return d
}

func (r *Runner) writeEcho(command string) {
	if r.echo == nil {
		return
	}
	r.echoMu.Lock()
	defer r.echoMu.Unlock()
	fmt.Fprintln(r.echo, r.echoStyle.Render(command))
}

// resolveHostConf merges per-host settings over the base config.
func resolveHostConf(base ClientConfig, hostConfs map[string]HostConfig, host string) (ClientConfig, string) {
	conf := base
	dialHost := host

	hc, ok := hostConfs[host]
	if !ok {
		return conf, dialHost
	}
	if hc.Hostname != "" {
		dialHost = hc.Hostname
	}
	if hc.User != "" {
		conf.User = hc.User
	}
	if hc.Port != 0 {
		conf.Port = hc.Port
	}
	if hc.IdentityFile != "" {
		conf.IdentityFiles = append([]string{hc.IdentityFile}, base.IdentityFiles...)
	}
	if hc.ProxyJump != "" {
		conf.ProxyJump = hc.ProxyJump
	}
	return conf, dialHost
}

// exitDetail describes a command that did not exit cleanly, keeping the tail
// of both streams.
func exitDetail(command string, res *CommandResult) string {
	var b strings.Builder
	b.WriteString("Encountered a bad command exit code!\n\n")
	fmt.Fprintf(&b, "Command: '%s'\n\n", command)
	switch {
	case res.ExitSignal != "":
		fmt.Fprintf(&b, "Exit code: %d (signal %s)\n\n", res.ExitCode, res.ExitSignal)
	case res.NoStatus:
		b.WriteString("Exit code: none reported\n\n")
	default:
		fmt.Fprintf(&b, "Exit code: %d\n\n", res.ExitCode)
	}
	fmt.Fprintf(&b, "Stdout:\n\n%s\n\n", tail(string(res.Stdout), tailLines))
	fmt.Fprintf(&b, "Stderr:\n\n%s\n\n", tail(string(res.Stderr), tailLines))
	return b.String()
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
