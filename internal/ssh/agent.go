package ssh

import (
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// sharedAgent holds a lazily-initialized, process-wide SSH agent connection.
// Uses a mutex instead of sync.Once so a failed dial can be retried.
var sharedAgent struct {
	mu     sync.Mutex
	conn   net.Conn
	client agent.ExtendedAgent
}

// CloseAgent closes the shared SSH agent connection, if any.
// This is a no-op if no agent connection has been established.
func CloseAgent() {
	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()
	if sharedAgent.conn != nil {
		sharedAgent.conn.Close()
		sharedAgent.client = nil
		sharedAgent.conn = nil
	}
}

// localAgent returns the agent to authenticate with and forward to. An agent
// set on the config wins; otherwise the one behind $SSH_AUTH_SOCK is used.
// Returns nil when no agent is reachable.
func localAgent(conf ClientConfig) agent.Agent {
	if conf.Agent != nil {
		return conf.Agent
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}

	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()

	if sharedAgent.client != nil {
		if _, err := sharedAgent.client.List(); err == nil {
			return sharedAgent.client
		}
		// Stale connection; close and redial.
		sharedAgent.conn.Close()
		sharedAgent.client = nil
		sharedAgent.conn = nil
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		slog.Debug("ssh agent unavailable", "socket", sock, "err", err)
		return nil
	}
	sharedAgent.conn = conn
	sharedAgent.client = agent.NewClient(conn)
	return sharedAgent.client
}

// agentAuthMethod returns an auth method using the agent, or nil if the
// agent is unavailable or holds no keys.
func agentAuthMethod(ag agent.Agent) ssh.AuthMethod {
	if ag == nil {
		return nil
	}
	keys, err := ag.List()
	if err != nil || len(keys) == 0 {
		return nil
	}
	return ssh.PublicKeysCallback(ag.Signers)
}

// enableForwarding registers the local agent as the handler for agent
// channels the server opens on this connection. Sessions still have to ask
// for forwarding individually with requestForwarding.
func enableForwarding(client *ssh.Client, ag agent.Agent) bool {
	if ag == nil {
		slog.Debug("agent forwarding requested but no local agent is available")
		return false
	}
	if err := agent.ForwardToAgent(client, ag); err != nil {
		slog.Debug("agent forwarding setup failed", "err", err)
		return false
	}
	return true
}

// requestForwarding asks the server to expose the forwarded agent to the
// session's process. A refusal is logged and the command runs anyway.
func requestForwarding(host string, session *ssh.Session) {
	if err := agent.RequestAgentForwarding(session); err != nil {
		slog.Debug("agent forwarding refused", "host", host, "err", err)
	}
}
