package ssh

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ConnectError wraps an SSH connection error with a user-friendly hint.
type ConnectError struct {
	Host string
	Err  error
	Hint string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: %v\n  hint: %s", e.Host, e.Err, e.Hint)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// hintRule matches a class of connection failure.
type hintRule struct {
	match func(err error, msg string) bool
	hint  func(host string) string
}

func fixedHint(s string) func(string) string {
	return func(string) string { return s }
}

func containsAny(msg string, subs ...string) bool {
	for _, s := range subs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// hintRules are checked in order; the first match wins.
var hintRules = []hintRule{
	{
		match: func(_ error, msg string) bool {
			return strings.Contains(msg, "permission denied") && strings.Contains(msg, "key")
		},
		hint: fixedHint("check SSH key permissions (chmod 600)"),
	},
	{
		match: func(err error, msg string) bool {
			var authErr *ssh.ServerAuthError
			return errors.As(err, &authErr) ||
				containsAny(msg, "unable to authenticate", "no supported methods remain")
		},
		hint: func(host string) string {
			return fmt.Sprintf("verify your SSH key or agent. Try: ssh -v %s", host)
		},
	},
	{
		match: func(_ error, msg string) bool { return strings.Contains(msg, "connection refused") },
		hint:  fixedHint("verify SSH daemon is running on the target host"),
	},
	{
		match: func(err error, msg string) bool {
			var dnsErr *net.DNSError
			return errors.As(err, &dnsErr) || strings.Contains(msg, "no such host")
		},
		hint: fixedHint("verify hostname is correct"),
	},
	{
		match: func(err error, _ string) bool {
			var keyErr *knownhosts.KeyError
			return errors.As(err, &keyErr) && len(keyErr.Want) > 0
		},
		hint: func(host string) string {
			return fmt.Sprintf("remove old key with: ssh-keygen -R %s", host)
		},
	},
	{
		match: func(err error, msg string) bool {
			var keyErr *knownhosts.KeyError
			return errors.As(err, &keyErr) || strings.Contains(msg, "no known_hosts")
		},
		hint: func(host string) string {
			return fmt.Sprintf("use --insecure or connect once with: ssh %s", host)
		},
	},
	{
		match: func(err error, msg string) bool {
			var netErr net.Error
			return (errors.As(err, &netErr) && netErr.Timeout()) || strings.Contains(msg, "i/o timeout")
		},
		hint: fixedHint("host did not answer; check the address and any firewall in between"),
	},
}

// WrapConnectError wraps an SSH connection error with a friendly hint.
// If the error doesn't match any known patterns, it's returned as-is.
func WrapConnectError(host string, err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	for _, r := range hintRules {
		if r.match(err, msg) {
			return &ConnectError{Host: host, Err: err, Hint: r.hint(host)}
		}
	}
	return err
}
