package policy_test

import (
	"testing"

	"github.com/basket/taskpilot/internal/policy"
)

func TestDefault_AllowsPublicHostsOnly(t *testing.T) {
	p := policy.Default()
	if !p.AllowHTTPURL("https://example.com/page") {
		t.Fatal("default policy should allow public hosts")
	}
	for _, raw := range []string{
		"http://localhost:8080/",
		"http://127.0.0.1/",
		"http://10.0.0.5/admin",
		"http://192.168.1.1/",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/",
		"ftp://example.com/file",
		"not a url",
	} {
		if p.AllowHTTPURL(raw) {
			t.Errorf("expected %q to be denied", raw)
		}
	}
	if !p.AllowTool("fetch_url") {
		t.Fatal("default policy should allow tools")
	}
	if p.AllowTool("  ") {
		t.Fatal("empty tool name allowed")
	}
}

func TestAllowDomains(t *testing.T) {
	p := policy.Policy{AllowDomains: []string{"api.weather.com", " Example.org "}}
	if !p.AllowHTTPURL("https://api.weather.com/v3/wx/conditions/current") {
		t.Fatal("expected allowlisted domain to be allowed")
	}
	if !p.AllowHTTPURL("https://docs.example.org/") {
		t.Fatal("expected subdomain to be allowed")
	}
	if p.AllowHTTPURL("https://evil.example.com") {
		t.Fatal("expected non-allowlisted domain to be denied")
	}
	if p.AllowHTTPURL("https://notexample.org") {
		t.Fatal("suffix without dot must not match")
	}
}

func TestAllowLoopback(t *testing.T) {
	p := policy.Policy{AllowLoopback: true}
	if !p.AllowHTTPURL("http://127.0.0.1:9000/") || !p.AllowHTTPURL("http://localhost/") {
		t.Fatal("loopback should be allowed")
	}
	if p.AllowHTTPURL("http://10.1.2.3/") {
		t.Fatal("private ranges stay blocked")
	}
}

func TestDenyTools(t *testing.T) {
	p := policy.Policy{DenyTools: []string{"Shell"}}
	if p.AllowTool("shell") {
		t.Fatal("denied tool allowed")
	}
	if !p.AllowTool("read_file") {
		t.Fatal("other tools should be allowed")
	}
}

func TestPolicyVersion_ChangesWithContent(t *testing.T) {
	a := policy.Policy{AllowDomains: []string{"a.com"}}
	b := policy.Policy{AllowDomains: []string{"A.com "}}
	c := policy.Policy{DenyTools: []string{"a.com"}}
	if a.PolicyVersion() != b.PolicyVersion() {
		t.Fatal("normalized policies should share a version")
	}
	if a.PolicyVersion() == c.PolicyVersion() {
		t.Fatal("domain and tool entries must not collide")
	}
}

func TestLivePolicy_Reload(t *testing.T) {
	live := policy.NewLivePolicy(policy.Default())
	if !live.AllowTool("shell") {
		t.Fatal("initial policy should allow shell")
	}

	if changed := live.Reload(policy.Policy{DenyTools: []string{"shell"}}); !changed {
		t.Fatal("reload should report a change")
	}
	if live.AllowTool("shell") {
		t.Fatal("reloaded policy should deny shell")
	}
	if changed := live.Reload(policy.Policy{DenyTools: []string{"shell"}}); changed {
		t.Fatal("identical reload reported a change")
	}

	snap := live.Snapshot()
	snap.DenyTools[0] = "other"
	if live.AllowTool("shell") {
		t.Fatal("snapshot mutation leaked into live policy")
	}
}
