package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"

	"github.com/agent462/fanout/internal/pathutil"
)

// Host represents a resolved SSH host with connection details.
type Host struct {
	Name         string // Display/identity label (original input, e.g. "admin@server1")
	Hostname     string // Actual SSH hostname to connect to (e.g. "server1")
	User         string
	Port         int // 0 means the transport default
	IdentityFile string
	ProxyJump    string
}

// LoadHostFile reads one host per line from path. Surrounding whitespace is
// trimmed and blank lines are dropped. A missing file is reported as a
// warning and yields no hosts, so callers can carry on with whatever hosts
// they already have.
func LoadHostFile(path string) ([]string, error) {
	expanded := pathutil.ExpandHome(path)
	data, err := os.ReadFile(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn(fmt.Sprintf("Path %s does not exist", path), "path", expanded)
			return []string{}, nil
		}
		return nil, fmt.Errorf("reading host file: %w", err)
	}

	var hosts []string
	for _, line := range strings.Split(string(data), "\n") {
		if h := strings.TrimSpace(line); h != "" {
			hosts = append(hosts, h)
		}
	}
	if hosts == nil {
		hosts = []string{}
	}
	return hosts, nil
}

// MergeHosts concatenates explicitly listed hosts and file-loaded hosts,
// explicit first. Entries are trimmed and empties dropped; duplicates are kept.
func MergeHosts(explicit, fromFile []string) []string {
	merged := make([]string, 0, len(explicit)+len(fromFile))
	for _, list := range [][]string{explicit, fromFile} {
		for _, h := range list {
			if h = strings.TrimSpace(h); h != "" {
				merged = append(merged, h)
			}
		}
	}
	return merged
}

// ResolveHosts turns host names into connection details. Precedence, highest
// first: user@host syntax, the settings in defaults, then ~/.ssh/config.
// Each distinct name is resolved once; order follows first appearance.
func ResolveHosts(names []string, defaults SSH) []Host {
	seen := make(map[string]bool, len(names))
	hosts := make([]Host, 0, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		host := Host{
			Name:         name,
			Hostname:     name,
			User:         defaults.User,
			Port:         defaults.Port,
			IdentityFile: pathutil.ExpandHome(defaults.IdentityFile),
			ProxyJump:    defaults.ProxyJump,
		}

		// Parse user@host syntax.
		if user, hostname, ok := parseUserAtHost(name); ok {
			host.Hostname = hostname
			host.User = user
		}

		MergeSSHConfig(&host)

		hosts = append(hosts, host)
	}
	return hosts
}

// MergeSSHConfig reads ~/.ssh/config and fills in Hostname, User, Port,
// IdentityFile, and ProxyJump for the host if they are not already set.
// Lookups use the Hostname field (the alias as typed), not the display Name.
func MergeSSHConfig(host *Host) {
	lookup := host.Hostname
	if lookup == "" {
		lookup = host.Name
	}

	if target := sshConfigGet(lookup, "HostName"); target != "" {
		host.Hostname = strings.ReplaceAll(target, "%h", lookup)
	}

	if host.User == "" {
		if user := sshConfigGet(lookup, "User"); user != "" {
			host.User = user
		}
	}

	if host.Port == 0 {
		if portStr := sshConfigGet(lookup, "Port"); portStr != "" {
			if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
				host.Port = port
			}
		}
	}

	if host.IdentityFile == "" {
		if identity := sshConfigGet(lookup, "IdentityFile"); identity != "" {
			expanded := pathutil.ExpandHome(identity)
			if _, err := os.Stat(expanded); err == nil {
				host.IdentityFile = expanded
			}
		}
	}

	if host.ProxyJump == "" {
		if proxy := sshConfigGet(lookup, "ProxyJump"); proxy != "" {
			host.ProxyJump = proxy
		}
	}
}

// sshConfigGet looks up a key for a host in the user's SSH config.
func sshConfigGet(hostname, key string) string {
	val, err := ssh_config.GetStrict(hostname, key)
	if err != nil {
		return ""
	}
	return val
}

// parseUserAtHost splits "user@host" into its components.
// Returns ("", "", false) if the input doesn't contain @ or if the user part is empty.
func parseUserAtHost(s string) (user, host string, ok bool) {
	i := strings.Index(s, "@")
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
