package ssh

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/agent462/fanout/internal/executor"
	"github.com/agent462/fanout/internal/sshtest"
)

// newTestRunner points the label "web" at the given test server address.
func newTestRunner(t *testing.T, addr, keyPath string, opts ...RunnerOption) *Runner {
	t.Helper()
	t.Setenv("SSH_AUTH_SOCK", "")

	host, port := sshtest.ParseAddr(t, addr)
	base := ClientConfig{
		User:            "testuser",
		IdentityFiles:   []string{keyPath},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		ForwardAgent:    true,
	}
	hosts := map[string]HostConfig{
		"web": {Hostname: host, Port: port},
	}
	return NewRunner(base, hosts, opts...)
}

func TestRunnerSuccess(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)
	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		return "hi\n", "", 0
	}))
	defer cleanup()

	r := newTestRunner(t, addr, keyPath)
	out := r.Run(context.Background(), "web", "echo hi")

	if out.Kind != executor.Success {
		t.Fatalf("kind = %s, want success (%+v)", out.Kind, out)
	}
	if out.Stdout != "hi\n" {
		t.Errorf("stdout = %q, want %q", out.Stdout, "hi\n")
	}
}

func TestRunnerNonZeroExit(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)
	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		return "some output\n", "boom\n", 2
	}))
	defer cleanup()

	r := newTestRunner(t, addr, keyPath)
	out := r.Run(context.Background(), "web", "false")

	if out.Kind != executor.UnexpectedExit {
		t.Fatalf("kind = %s, want unexpected_exit", out.Kind)
	}
	if out.ExitCode != 2 {
		t.Errorf("exit code = %d, want 2", out.ExitCode)
	}
	for _, want := range []string{"Command: 'false'", "Exit code: 2", "some output", "boom"} {
		if !strings.Contains(out.Detail, want) {
			t.Errorf("detail missing %q:\n%s", want, out.Detail)
		}
	}
	if out.Text() != out.Detail {
		t.Error("report text should be the exit detail")
	}
}

func TestRunnerMissingExitStatus(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)
	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		return "", "", -1
	}))
	defer cleanup()

	r := newTestRunner(t, addr, keyPath)
	out := r.Run(context.Background(), "web", "kill -9 $$")

	if out.Kind != executor.UnexpectedExit {
		t.Fatalf("kind = %s, want unexpected_exit", out.Kind)
	}
	if !strings.Contains(out.Detail, "none reported") {
		t.Errorf("detail = %q", out.Detail)
	}
}

func TestRunnerConnectionFailed(t *testing.T) {
	// Grab a free port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, keyPath := sshtest.GenerateKey(t)
	r := newTestRunner(t, addr, keyPath)
	out := r.Run(context.Background(), "web", "uptime")

	if out.Kind != executor.ConnectionFailed {
		t.Fatalf("kind = %s, want connection_failed", out.Kind)
	}
	if out.Err == nil {
		t.Error("expected the dial error to be kept")
	}
	if out.Text() != "Unable to connect to host" {
		t.Errorf("text = %q", out.Text())
	}
}

func TestRunnerTimedOut(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)
	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		time.Sleep(2 * time.Second)
		return "", "", 0
	}))
	defer cleanup()

	r := newTestRunner(t, addr, keyPath)
	out := executor.Execute(r, "web", "sleep 2", 300*time.Millisecond)

	if out.Kind != executor.TimedOut {
		t.Fatalf("kind = %s, want timeout", out.Kind)
	}
	if out.Deadline != 300*time.Millisecond {
		t.Errorf("deadline = %s, want 300ms", out.Deadline)
	}
}

// silentListener accepts TCP connections and never speaks SSH, like a host
// whose sshd is wedged.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	return ln.Addr().String()
}

func TestRunnerConnectTimeoutIsUnreachable(t *testing.T) {
	_, keyPath := sshtest.GenerateKey(t)
	r := newTestRunner(t, silentListener(t), keyPath)
	r.baseConf.ConnectTimeout = 200 * time.Millisecond

	start := time.Now()
	out := executor.Execute(r, "web", "uptime", 5*time.Second)

	if out.Kind != executor.ConnectionFailed {
		t.Fatalf("kind = %s, want connection_failed", out.Kind)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("took %s, expected to give up after the connect timeout", elapsed)
	}
}

func TestRunnerConnectTimeoutCappedByDeadline(t *testing.T) {
	_, keyPath := sshtest.GenerateKey(t)
	r := newTestRunner(t, silentListener(t), keyPath)
	r.baseConf.ConnectTimeout = 10 * time.Second

	out := executor.Execute(r, "web", "uptime", 600*time.Millisecond)

	if out.Kind != executor.ConnectionFailed {
		t.Fatalf("kind = %s, want connection_failed", out.Kind)
	}
}

func TestConnectBudget(t *testing.T) {
	if got := connectBudget(context.Background(), 10*time.Second); got != 10*time.Second {
		t.Errorf("without a deadline: got %s, want 10s", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if got := connectBudget(ctx, 10*time.Second); got > time.Second || got < 900*time.Millisecond {
		t.Errorf("short deadline: got %s, want about 1s", got)
	}
	if got := connectBudget(ctx, 100*time.Millisecond); got != 100*time.Millisecond {
		t.Errorf("short connect timeout: got %s, want 100ms", got)
	}
	if got := connectBudget(ctx, 0); got != 0 {
		t.Errorf("zero stays zero, got %s", got)
	}
}

func TestRunnerEcho(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)
	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		return "hi\n", "", 0
	}))
	defer cleanup()

	var echo bytes.Buffer
	r := newTestRunner(t, addr, keyPath, WithEcho(&echo, false))
	out := r.Run(context.Background(), "web", "echo hi")

	if echo.String() != "echo hi\n" {
		t.Errorf("echo = %q, want %q", echo.String(), "echo hi\n")
	}
	if out.Stdout != "hi\n" {
		t.Errorf("echo must not leak into stdout, got %q", out.Stdout)
	}
}

func TestRunnerScript(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)
	remoteDir := t.TempDir()

	var (
		mu      sync.Mutex
		ran     string
		present bool
	)
	addr, cleanup := sshtest.Start(t,
		sshtest.WithPublicKey(pubKey),
		sshtest.WithSFTP(remoteDir),
		sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
			mu.Lock()
			defer mu.Unlock()
			ran = cmd
			entries, _ := os.ReadDir(remoteDir)
			present = len(entries) == 1
			return "deployed\n", "", 0
		}),
	)
	defer cleanup()

	script := filepath.Join(t.TempDir(), "deploy.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho deployed\n"), 0644); err != nil {
		t.Fatal(err)
	}

	r := newTestRunner(t, addr, keyPath, WithScript(script, remoteDir))
	out := r.Run(context.Background(), "web", "--fast")

	if out.Kind != executor.Success {
		t.Fatalf("kind = %s, want success (%s)", out.Kind, out.Text())
	}

	mu.Lock()
	defer mu.Unlock()
	if !present {
		t.Error("script was not staged before the command ran")
	}
	if !strings.HasPrefix(ran, "'"+remoteDir+"/fanout-") {
		t.Errorf("command = %q, want the staged script path first", ran)
	}
	if !strings.HasSuffix(ran, "-deploy.sh' --fast") {
		t.Errorf("command = %q, want the arguments after the script", ran)
	}

	entries, err := os.ReadDir(remoteDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("staged script not cleaned up: %v", entries)
	}
}

func TestRunnerScriptStagingFailure(t *testing.T) {
	pubKey, keyPath := sshtest.GenerateKey(t)
	// No SFTP subsystem on this server.
	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey))
	defer cleanup()

	script := filepath.Join(t.TempDir(), "deploy.sh")
	if err := os.WriteFile(script, []byte("true\n"), 0644); err != nil {
		t.Fatal(err)
	}

	r := newTestRunner(t, addr, keyPath, WithScript(script, ""))
	out := r.Run(context.Background(), "web", "")

	if out.Kind != executor.UnexpectedExit {
		t.Fatalf("kind = %s, want unexpected_exit", out.Kind)
	}
	if !strings.Contains(out.Detail, "staging") {
		t.Errorf("detail = %q", out.Detail)
	}
}

func TestResolveHostConf(t *testing.T) {
	base := ClientConfig{User: "deploy", Port: 22, IdentityFiles: []string{"/keys/base"}}
	hosts := map[string]HostConfig{
		"admin@db": {Hostname: "db.internal", User: "admin", Port: 2222, IdentityFile: "/keys/db", ProxyJump: "bastion"},
	}

	conf, dialHost := resolveHostConf(base, hosts, "admin@db")
	if dialHost != "db.internal" {
		t.Errorf("dial host = %q, want db.internal", dialHost)
	}
	if conf.User != "admin" || conf.Port != 2222 || conf.ProxyJump != "bastion" {
		t.Errorf("conf = %+v", conf)
	}
	if len(conf.IdentityFiles) != 2 || conf.IdentityFiles[0] != "/keys/db" {
		t.Errorf("identity files = %v, want host key first", conf.IdentityFiles)
	}
	if len(base.IdentityFiles) != 1 {
		t.Error("base config must not be modified")
	}

	conf, dialHost = resolveHostConf(base, hosts, "unknown")
	if dialHost != "unknown" || conf.User != "deploy" {
		t.Errorf("unknown host should use the base config, got %q %+v", dialHost, conf)
	}
}

func TestExitDetailKeepsTail(t *testing.T) {
	var lines []string
	for i := 1; i <= 15; i++ {
		lines = append(lines, "line"+string(rune('a'+i-1)))
	}
	res := &CommandResult{Stdout: []byte(strings.Join(lines, "\n") + "\n"), ExitCode: 1}

	detail := exitDetail("make", res)
	if strings.Contains(detail, "linea\n") {
		t.Error("detail should drop the head of long output")
	}
	if !strings.Contains(detail, "lineo") {
		t.Error("detail should keep the last line")
	}
	if !strings.HasPrefix(detail, "Encountered a bad command exit code!") {
		t.Errorf("detail = %q", detail)
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("/tmp/a b"); got != "'/tmp/a b'" {
		t.Errorf("shellQuote = %q", got)
	}
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Errorf("shellQuote = %q", got)
	}
}
