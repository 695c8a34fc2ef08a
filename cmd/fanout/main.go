// Command fanout runs one shell command on many hosts over SSH at the same
// time and prints every host's result once all of them are done.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agent462/fanout/internal/config"
	"github.com/agent462/fanout/internal/executor"
	"github.com/agent462/fanout/internal/pathutil"
	"github.com/agent462/fanout/internal/ssh"
	uiexec "github.com/agent462/fanout/internal/ui/exec"
	"github.com/agent462/fanout/internal/ui/watch"
)

var version = "dev"

type options struct {
	cmds        []string
	hosts       []string
	filename    string
	timeout     int
	display     bool
	interval    time.Duration
	live        bool
	concurrency int
	output      string
	configPath  string
	user        string
	port        int
	identity    string
	insecure    bool
	connectWait time.Duration
	script      string
	scriptDir   string
	echo        bool
	summary     bool
	noColor     bool
	logLevel    string
}

func main() {
	if err := execute(newRootCmd(), os.Args[1:]); err != nil {
		os.Exit(1)
	}
}

// execute runs cmd with args after spreading list flags.
func execute(cmd *cobra.Command, args []string) error {
	cmd.SetArgs(spreadListFlags(args))
	return cmd.Execute()
}

// listFlags take every following bare word as another value, so
// "-l web1 web2 -c echo hi" means two hosts and the command "echo hi".
var listFlags = map[string]bool{
	"-l": true, "--hostlist": true,
	"-c": true, "--cmd": true,
}

// spreadListFlags rewrites "-l a b" as "-l a -l b" so pflag sees one value
// per flag. A list ends at the next flag or at "--".
func spreadListFlags(args []string) []string {
	out := make([]string, 0, len(args))
	list := ""
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return append(out, args[i:]...)
		case listFlags[arg]:
			out = append(out, arg)
			// pflag takes the next word as the value even if it starts with a dash.
			if i+1 < len(args) {
				i++
				out = append(out, args[i])
			}
			list = arg
		case isFlag(arg):
			list = ""
			out = append(out, arg)
		case list != "":
			out = append(out, list, arg)
		default:
			out = append(out, arg)
		}
	}
	return out
}

func isFlag(arg string) bool {
	return len(arg) > 1 && arg[0] == '-'
}

func newRootCmd() *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:   "fanout (-l HOST... | -f FILE) (-c WORD... | -- COMMAND...)",
		Short: "Run a command on many hosts over SSH in parallel",
		Long: `fanout - run one command on many hosts at once

Every host gets its own SSH connection with agent forwarding. The command is
given a per-host deadline; hosts that are unreachable, slow, or fail are
reported next to the ones that succeeded, never aborting the run.

Examples:
  fanout -l web1 web2 -c uptime
  fanout -f hosts.txt -d -- df -h /
  fanout -f hosts.txt --script ./check.sh -- --verbose`,
		Version:      version,
		SilenceUsage: true,
		Args:         commandAfterDash,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o, args)
		},
	}
	f := cmd.Flags()
	f.StringArrayVarP(&o.cmds, "cmd", "c", nil, "command words to run on remote hosts (joined with spaces)")
	f.StringSliceVarP(&o.hosts, "hostlist", "l", nil, "hosts to run on (space or comma separated)")
	f.StringVarP(&o.filename, "filename", "f", "", "file with one host per line")
	f.IntVarP(&o.timeout, "timeout", "t", 15, "per-host command timeout in seconds")
	f.BoolVarP(&o.display, "display", "d", false, "periodically print hosts still being waited on")
	f.DurationVar(&o.interval, "interval", executor.DefaultProgressInterval, "how often --display reports")
	f.BoolVar(&o.live, "live", false, "show an interactive table of host progress (terminal only)")
	f.IntVarP(&o.concurrency, "concurrency", "p", 0, "max hosts worked on at once (0 = all)")
	f.StringVarP(&o.output, "output", "o", "text", "report format: text or json")
	f.StringVar(&o.configPath, "config", "", "config file (YAML or TOML)")
	f.StringVarP(&o.user, "user", "u", "", "SSH user")
	f.IntVar(&o.port, "port", 0, "SSH port")
	f.StringVarP(&o.identity, "identity", "i", "", "SSH private key file")
	f.BoolVar(&o.insecure, "insecure", false, "skip host key verification")
	f.DurationVar(&o.connectWait, "connect-timeout", 10*time.Second, "time allowed to connect before a host counts as unreachable")
	f.StringVar(&o.script, "script", "", "upload this local script and run it; command words become its arguments")
	f.StringVar(&o.scriptDir, "script-dir", "", "remote directory for --script uploads (default /tmp)")
	f.BoolVar(&o.echo, "echo", true, "print each command before it runs")
	f.BoolVar(&o.summary, "summary", false, "print a summary line after the report")
	f.BoolVar(&o.noColor, "no-color", false, "disable colored output")
	f.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")

	return cmd
}

// commandAfterDash accepts bare words only after "--". A stray word
// elsewhere must not end up in the remote command.
func commandAfterDash(cmd *cobra.Command, args []string) error {
	if len(args) > 0 && cmd.ArgsLenAtDash() != 0 {
		return fmt.Errorf("unexpected argument %q: put the remote command after -- or use -c", args[0])
	}
	return nil
}

func run(cmd *cobra.Command, o *options, args []string) error {
	stdout := cmd.OutOrStdout()
	stderr := cmd.ErrOrStderr()

	if len(o.hosts) == 0 && o.filename == "" {
		fmt.Fprint(stderr, cmd.UsageString())
		return nil
	}

	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, o, cfg); err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))
	defer ssh.CloseAgent()

	command := strings.TrimSpace(strings.Join(append(append([]string{}, o.cmds...), args...), " "))
	if command == "" && o.script == "" {
		return fmt.Errorf("a command is required: use -c or pass it after --")
	}
	if o.script != "" {
		o.script = pathutil.ExpandHome(o.script)
		if _, err := os.Stat(o.script); err != nil {
			return fmt.Errorf("script: %w", err)
		}
	}

	var fromFile []string
	if o.filename != "" {
		fromFile, err = config.LoadHostFile(o.filename)
		if err != nil {
			return err
		}
	}
	names := config.MergeHosts(o.hosts, fromFile)
	slog.Debug("hosts loaded", "count", len(names))

	color := !o.noColor && isTerminal(stdout)
	live := o.live && isTerminal(stdout)

	// Stdout carries only the report in json mode.
	chatter := stdout
	if cfg.Defaults.Output == "json" {
		chatter = stderr
	}
	chatterColor := !o.noColor && isTerminal(chatter)

	runner := ssh.NewRunner(baseClientConfig(cfg), hostConfigs(config.ResolveHosts(names, cfg.SSH)), runnerOptions(o, cfg, chatter, chatterColor, live)...)

	execOpts := []executor.Option{
		executor.WithTimeout(cfg.Defaults.Timeout.Duration),
		executor.WithConcurrency(cfg.Defaults.Concurrency),
		executor.WithProgressInterval(cfg.Defaults.ProgressInterval.Duration),
		executor.WithPollInterval(cfg.Defaults.PollInterval.Duration),
	}
	if o.display && !live {
		execOpts = append(execOpts, executor.WithProgress(chatter))
	}
	exec := executor.New(runner, execOpts...)

	var results executor.ResultSet
	if live {
		results = runLive(exec, names, command, stderr)
	} else {
		results = exec.Run(names, command)
	}

	return writeReport(stdout, results, cfg, color)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadDefault()
}

// applyFlags overrides config values with flags the user actually set.
func applyFlags(cmd *cobra.Command, o *options, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("timeout") {
		if o.timeout <= 0 {
			return fmt.Errorf("--timeout must be positive, got %d", o.timeout)
		}
		cfg.Defaults.Timeout.Duration = time.Duration(o.timeout) * time.Second
	}
	if f.Changed("interval") {
		cfg.Defaults.ProgressInterval.Duration = o.interval
	}
	if f.Changed("concurrency") {
		cfg.Defaults.Concurrency = o.concurrency
	}
	if f.Changed("output") {
		cfg.Defaults.Output = o.output
	}
	if f.Changed("echo") {
		cfg.Defaults.Echo = o.echo
	}
	if f.Changed("summary") {
		cfg.Defaults.Summary = o.summary
	}
	if f.Changed("user") {
		cfg.SSH.User = o.user
	}
	if f.Changed("port") {
		cfg.SSH.Port = o.port
	}
	if f.Changed("identity") {
		cfg.SSH.IdentityFile = o.identity
	}
	if f.Changed("insecure") {
		cfg.SSH.Insecure = o.insecure
	}
	if f.Changed("connect-timeout") {
		cfg.SSH.ConnectTimeout.Duration = o.connectWait
	}
	if f.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	return cfg.Validate()
}

func baseClientConfig(cfg *config.Config) ssh.ClientConfig {
	return ssh.ClientConfig{
		ForwardAgent:       true,
		AcceptUnknownHosts: cfg.SSH.Insecure,
		KnownHostsFile:     cfg.SSH.KnownHosts,
		ConnectTimeout:     cfg.SSH.ConnectTimeout.Duration,
	}
}

func hostConfigs(hosts []config.Host) map[string]ssh.HostConfig {
	confs := make(map[string]ssh.HostConfig, len(hosts))
	for _, h := range hosts {
		confs[h.Name] = ssh.HostConfig{
			Hostname:     h.Hostname,
			User:         h.User,
			Port:         h.Port,
			IdentityFile: h.IdentityFile,
			ProxyJump:    h.ProxyJump,
		}
	}
	return confs
}

func runnerOptions(o *options, cfg *config.Config, echo io.Writer, color, live bool) []ssh.RunnerOption {
	var opts []ssh.RunnerOption
	// The live table owns the terminal; echoed lines would tear it.
	if cfg.Defaults.Echo && !live {
		opts = append(opts, ssh.WithEcho(echo, color))
	}
	if o.script != "" {
		opts = append(opts, ssh.WithScript(o.script, o.scriptDir))
	}
	return opts
}

// runLive shows the interactive table while the batch runs. Leaving the
// table early does not cancel anything; the report still waits for every host.
func runLive(exec *executor.Executor, hosts []string, command string, out io.Writer) executor.ResultSet {
	b := exec.Start(hosts, command)

	p := tea.NewProgram(watch.New(b.Tracker(), b.Done()), tea.WithOutput(out))
	if _, err := p.Run(); err != nil {
		slog.Warn("live view failed", "err", err)
	}

	return b.Wait()
}

func writeReport(w io.Writer, results executor.ResultSet, cfg *config.Config, color bool) error {
	f := uiexec.NewFormatter(cfg.Defaults.Output == "json", cfg.Defaults.Summary, color)
	if f.JSON {
		data, err := f.FormatJSON(results)
		if err != nil {
			return fmt.Errorf("encoding results: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	_, err := io.WriteString(w, f.Format(results))
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
