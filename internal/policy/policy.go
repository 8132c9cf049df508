// Package policy decides which tools a run may call and which hosts
// network tools may reach.
package policy

import (
	"hash/fnv"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Checker is the interface used by the tool registry.
type Checker interface {
	AllowTool(name string) bool
	AllowHTTPURL(raw string) bool
	PolicyVersion() string
}

// Policy is the serializable policy data, read from the tools.policy
// section of config.yaml.
type Policy struct {
	// AllowDomains restricts network tools to these domains and their
	// subdomains. Empty allows any public host.
	AllowDomains []string `yaml:"allow_domains,omitempty"`
	// AllowLoopback permits localhost targets. Private ranges stay blocked.
	AllowLoopback bool `yaml:"allow_loopback,omitempty"`
	// DenyTools lists tool names that may never run.
	DenyTools []string `yaml:"deny_tools,omitempty"`
}

func Default() Policy {
	return Policy{}
}

func (p Policy) AllowTool(name string) bool {
	name = normalize(name)
	if name == "" {
		return false
	}
	return !slices.ContainsFunc(p.DenyTools, func(d string) bool { return normalize(d) == name })
}

func (p Policy) AllowHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := normalize(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, p.AllowLoopback) {
		return false
	}
	if len(p.AllowDomains) == 0 {
		return true
	}
	for _, domain := range p.AllowDomains {
		domain = normalize(domain)
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false // Not an IP address (e.g. a hostname).
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func (p Policy) PolicyVersion() string {
	h := fnv.New64a()
	for _, v := range p.AllowDomains {
		_, _ = h.Write([]byte("d:" + normalize(v) + "|"))
	}
	for _, v := range p.DenyTools {
		_, _ = h.Write([]byte("t:" + normalize(v) + "|"))
	}
	if p.AllowLoopback {
		_, _ = h.Write([]byte("allow_loopback=true|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// LivePolicy wraps a Policy so it can be swapped while runs are executing.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

func (lp *LivePolicy) AllowTool(name string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowTool(name)
}

func (lp *LivePolicy) AllowHTTPURL(raw string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowHTTPURL(raw)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.PolicyVersion()
}

// Reload replaces the policy and reports whether it changed.
func (lp *LivePolicy) Reload(p Policy) bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	changed := p.PolicyVersion() != lp.data.PolicyVersion()
	lp.data = p
	return changed
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.AllowDomains = slices.Clone(lp.data.AllowDomains)
	cp.DenyTools = slices.Clone(lp.data.DenyTools)
	return cp
}
