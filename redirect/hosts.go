// Package redirect points the game host name at the relay through the hosts
// file and resolves the real server address without going through that
// redirect.
package redirect

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/txn2/txeh"
)

// DefaultHostsPath returns the platform hosts file location.
func DefaultHostsPath() string {
	if runtime.GOOS == "windows" {
		root := os.Getenv("SystemRoot")
		if root == "" {
			root = `C:\Windows`
		}
		return filepath.Join(root, "System32", "drivers", "etc", "hosts")
	}
	return "/etc/hosts"
}

// HostsFile edits a hosts file in place. It only ever removes the host names
// it added itself. A host name that already had an entry loses it while the
// redirect is in place.
type HostsFile struct {
	Path string

	mu      sync.Mutex
	managed map[string]string // host name -> redirect address
}

func NewHostsFile(path string) *HostsFile {
	if path == "" {
		path = DefaultHostsPath()
	}
	return &HostsFile{Path: path, managed: make(map[string]string)}
}

// AddRedirect maps hostname to ip, replacing any other address for it.
func (h *HostsFile) AddRedirect(ip, hostname string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid redirect address %q", ip)
	}
	if hostname == "" || strings.ContainsAny(hostname, " \t\r\n#") {
		return fmt.Errorf("invalid redirect host %q", hostname)
	}
	hostname = strings.ToLower(hostname)

	h.mu.Lock()
	defer h.mu.Unlock()

	hosts, err := h.load()
	if err != nil {
		return err
	}
	hosts.RemoveHost(hostname)
	hosts.AddHost(ip, hostname)
	if err := hosts.Save(); err != nil {
		return fmt.Errorf("failed to write hosts file: %w", err)
	}

	h.managed[hostname] = ip
	return nil
}

// RemoveRedirects drops every host name added by AddRedirect.
func (h *HostsFile) RemoveRedirects() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.managed) == 0 {
		return nil
	}
	hosts, err := h.load()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(h.managed))
	for name := range h.managed {
		names = append(names, name)
	}
	hosts.RemoveHosts(names)
	if err := hosts.Save(); err != nil {
		return fmt.Errorf("failed to write hosts file: %w", err)
	}

	clear(h.managed)
	return nil
}

// Redirects lists the host names currently redirected by this HostsFile.
func (h *HostsFile) Redirects() ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.managed) == 0 {
		return nil, nil
	}
	hosts, err := h.load()
	if err != nil {
		return nil, err
	}

	var names []string
	for name, ip := range h.managed {
		if slices.Contains(hosts.ListHostsByIP(ip), name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (h *HostsFile) load() (*txeh.Hosts, error) {
	hosts, err := txeh.NewHosts(&txeh.HostsConfig{
		ReadFilePath:  h.Path,
		WriteFilePath: h.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read hosts file: %w", err)
	}
	return hosts, nil
}
