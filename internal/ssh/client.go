package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	sshconfig "github.com/kevinburke/ssh_config"

	"github.com/agent462/fanout/internal/pathutil"
)

// ErrNotConnected marks failures to open a session on a connection that was
// established, i.e. the transport is no longer usable.
var ErrNotConnected = errors.New("not connected")

// ClientConfig holds options for creating an SSH client.
type ClientConfig struct {
	// User overrides the SSH username. If empty, resolved from
	// ~/.ssh/config or the current OS user.
	User string

	// Port overrides the SSH port. If zero, resolved from
	// ~/.ssh/config or defaults to 22.
	Port int

	// IdentityFiles lists explicit private key paths to try.
	// If empty, resolved from ~/.ssh/config and default key locations.
	IdentityFiles []string

	// ForwardAgent enables agent forwarding so the remote command can
	// authenticate onwards as the invoking user.
	ForwardAgent bool

	// Agent overrides the agent reached through $SSH_AUTH_SOCK for both
	// authentication and forwarding.
	Agent agent.Agent

	// AcceptUnknownHosts skips host key verification.
	AcceptUnknownHosts bool

	// KnownHostsFile overrides ~/.ssh/known_hosts.
	KnownHostsFile string

	// HostKeyCallback overrides the default host key verification.
	// If nil, knownhosts is used (with AcceptUnknownHosts controlling unknowns).
	HostKeyCallback ssh.HostKeyCallback

	// ConnectTimeout bounds the TCP dial and SSH handshake of each hop.
	// Zero leaves them bounded only by the caller's context.
	ConnectTimeout time.Duration

	// ProxyJump specifies one or more comma-separated SSH jump hosts
	// (e.g. "bastion" or "user@jump1:2222,user@jump2").
	// "none" disables proxy jumping (SSH convention).
	ProxyJump string
}

// Client wraps an SSH connection to a single host.
type Client struct {
	host         string
	sshClient    *ssh.Client
	forwardAgent bool
	jumpClients  []*Client // intermediate jump-host clients, for cleanup
}

// CommandResult holds what a finished remote command produced. A command
// that ran to completion is described here even when it failed; transport
// problems are reported as errors instead.
type CommandResult struct {
	Stdout     []byte
	Stderr     []byte
	ExitCode   int
	ExitSignal string // set when the process was killed by a signal
	NoStatus   bool   // the server closed the session without an exit status
}

// Clean reports whether the command exited normally with status 0.
func (r *CommandResult) Clean() bool {
	return r.ExitCode == 0 && r.ExitSignal == "" && !r.NoStatus
}

// Dial connects to the given host using the configured auth chain.
// If conf.ProxyJump is set (and not "none"), the connection is tunneled
// through one or more jump hosts.
func Dial(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	var (
		client *Client
		err    error
	)
	if conf.ProxyJump != "" && conf.ProxyJump != "none" {
		client, err = dialViaProxy(ctx, host, conf)
	} else {
		client, err = dialThrough(ctx, nil, host, conf)
	}
	if err != nil {
		return nil, err
	}

	if conf.ForwardAgent {
		client.forwardAgent = enableForwarding(client.sshClient, localAgent(conf))
	}
	return client, nil
}

// dialViaProxy chains through one or more comma-separated jump hosts,
// then dials the final target through the last jump connection.
func dialViaProxy(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	var jumps []*Client
	closeJumps := func() {
		for i := len(jumps) - 1; i >= 0; i-- {
			jumps[i].Close()
		}
	}

	var prev *Client
	for _, spec := range strings.Split(conf.ProxyJump, ",") {
		jumpUser, jumpHost, jumpPort := parseJumpHost(spec)
		jc := ClientConfig{
			User:               jumpUser,
			Port:               jumpPort,
			IdentityFiles:      conf.IdentityFiles,
			Agent:              conf.Agent,
			AcceptUnknownHosts: conf.AcceptUnknownHosts,
			KnownHostsFile:     conf.KnownHostsFile,
			HostKeyCallback:    conf.HostKeyCallback,
			ConnectTimeout:     conf.ConnectTimeout,
		}
		next, err := dialThrough(ctx, prev, jumpHost, jc)
		if err != nil {
			closeJumps()
			return nil, fmt.Errorf("dial jump host %q: %w", spec, err)
		}
		jumps = append(jumps, next)
		prev = next
	}

	target := conf
	target.ProxyJump = ""
	client, err := dialThrough(ctx, prev, host, target)
	if err != nil {
		closeJumps()
		return nil, fmt.Errorf("dial target %s via proxy: %w", host, err)
	}
	client.jumpClients = jumps
	return client, nil
}

// dialThrough opens a TCP connection to host, directly when proxy is nil or
// tunneled through proxy otherwise, and performs the SSH handshake on it.
func dialThrough(ctx context.Context, proxy *Client, host string, conf ClientConfig) (*Client, error) {
	if conf.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.ConnectTimeout)
		defer cancel()
	}

	addr, user, authMethods := resolveConnection(host, conf)

	hostKeyCallback, err := resolveHostKeyCallback(conf)
	if err != nil {
		return nil, fmt.Errorf("host key callback: %w", err)
	}

	sshConf := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
	}

	var conn net.Conn
	if proxy == nil {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
	} else {
		conn, err = proxy.sshClient.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("tunnel through %s to %s: %w", proxy.host, addr, err)
		}
	}

	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshConf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	return &Client{
		host:      host,
		sshClient: ssh.NewClient(sshConn, chans, reqs),
	}, nil
}

// parseJumpHost parses a jump host spec in the form "user@host:port",
// "host:port", "user@host", or just "host". Returns user, hostname, port.
func parseJumpHost(spec string) (user, hostname string, port int) {
	spec = strings.TrimSpace(spec)

	if i := strings.Index(spec, "@"); i >= 0 {
		user = spec[:i]
		spec = spec[i+1:]
	}

	if h, portStr, err := net.SplitHostPort(spec); err == nil {
		hostname = h
		port, _ = strconv.Atoi(portStr)
	} else {
		hostname = spec
	}

	return user, hostname, port
}

// RunCommand executes a command on the connected host. A command that runs
// to completion yields a CommandResult whatever its exit status. Errors are
// returned for transport failures and for ctx expiring, in which case the
// remote process is killed.
func (c *Client) RunCommand(ctx context.Context, command string) (*CommandResult, error) {
	session, err := c.sshClient.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w: %w", ErrNotConnected, err)
	}
	defer session.Close()

	if c.forwardAgent {
		requestForwarding(c.host, session)
	}

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, ctx.Err()
	case err := <-done:
		res := &CommandResult{
			Stdout: outBuf.Bytes(),
			Stderr: errBuf.Bytes(),
		}
		var exitErr *ssh.ExitError
		var missingErr *ssh.ExitMissingError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
			res.ExitSignal = exitErr.Signal()
		case errors.As(err, &missingErr):
			res.ExitCode = -1
			res.NoStatus = true
		default:
			return nil, fmt.Errorf("run: %w", err)
		}
		return res, nil
	}
}

// SSHClient exposes the underlying connection for subsystems such as SFTP.
func (c *Client) SSHClient() *ssh.Client {
	return c.sshClient
}

// Close closes the underlying SSH connection and any jump-host connections
// in reverse order (innermost first).
func (c *Client) Close() error {
	var firstErr error
	if c.sshClient != nil {
		firstErr = c.sshClient.Close()
	}
	for i := len(c.jumpClients) - 1; i >= 0; i-- {
		if err := c.jumpClients[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Host returns the hostname this client is connected to.
func (c *Client) Host() string {
	return c.host
}

// resolveConnection builds the address, username, and auth methods for a host.
// Values already set in conf take precedence over ~/.ssh/config.
func resolveConnection(host string, conf ClientConfig) (addr, user string, methods []ssh.AuthMethod) {
	user = conf.User
	if user == "" {
		user = sshconfig.Get(host, "User")
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "root"
	}

	port := conf.Port
	if port == 0 {
		port, _ = strconv.Atoi(sshconfig.Get(host, "Port"))
	}
	if port == 0 {
		port = 22
	}

	addr = net.JoinHostPort(host, strconv.Itoa(port))
	return addr, user, buildAuthMethods(host, conf)
}

// buildAuthMethods constructs the ordered auth chain: agent, then key files.
func buildAuthMethods(host string, conf ClientConfig) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if agentAuth := agentAuthMethod(localAgent(conf)); agentAuth != nil {
		methods = append(methods, agentAuth)
	}

	keyFiles := conf.IdentityFiles
	if len(keyFiles) == 0 {
		keyFiles = resolveKeyFiles(host)
	}
	var signers []ssh.Signer
	for _, keyFile := range keyFiles {
		if signer := loadKeySigner(keyFile); signer != nil {
			signers = append(signers, signer)
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	return methods
}

// resolveKeyFiles returns key file paths from ssh_config and default locations.
func resolveKeyFiles(host string) []string {
	var files []string

	if identity := sshconfig.Get(host, "IdentityFile"); identity != "" {
		identity = pathutil.ExpandHome(identity)
		if _, err := os.Stat(identity); err == nil {
			files = append(files, identity)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return files
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		f := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}

	return files
}

// loadKeySigner reads a private key file and returns a signer, or nil if the
// file is unreadable or passphrase protected.
func loadKeySigner(path string) ssh.Signer {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil
	}
	return signer
}

// resolveHostKeyCallback builds the host key callback.
func resolveHostKeyCallback(conf ClientConfig) (ssh.HostKeyCallback, error) {
	if conf.HostKeyCallback != nil {
		return conf.HostKeyCallback, nil
	}

	if conf.AcceptUnknownHosts {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	knownHostsPath := pathutil.ExpandHome(conf.KnownHostsFile)
	if knownHostsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no known_hosts file found at %s; use --insecure to skip host key verification", knownHostsPath)
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return callback, nil
}

// newClientConn performs the SSH handshake with context cancellation.
func newClientConn(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		done <- result{c, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, nil, nil, ctx.Err()
	case r := <-done:
		return r.conn, r.chans, r.reqs, r.err
	}
}
