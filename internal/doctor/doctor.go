// Package doctor runs the diagnostic checks behind `relay doctor` and
// `agent doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aesterisk/aesterisk/internal/agent"
	"github.com/aesterisk/aesterisk/internal/config"
	"github.com/aesterisk/aesterisk/internal/envelope"
	"github.com/aesterisk/aesterisk/internal/persistence"
	"github.com/aesterisk/aesterisk/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

func newDiagnosis(version string) Diagnosis {
	return Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
}

// RunRelay checks a relay installation.
func RunRelay(ctx context.Context, cfg *config.Relay, version string) Diagnosis {
	d := newDiagnosis(version)
	checks := []func(context.Context, *config.Relay) CheckResult{
		checkRelayConfig,
		checkRelayKey,
		checkDatabase,
		checkRelayPermissions,
		checkListenAddress,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

// RunAgent checks a daemon installation.
func RunAgent(ctx context.Context, cfg *config.Agent, version string) Diagnosis {
	d := newDiagnosis(version)
	checks := []func(context.Context, *config.Agent) CheckResult{
		checkAgentConfig,
		checkAgentKeys,
		checkDocker,
		checkRelayReachable,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkRelayConfig(_ context.Context, cfg *config.Relay) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: fmt.Sprintf("%s missing, using defaults", config.RelayFile)}
	}
	detail := "fingerprint=" + cfg.Fingerprint()
	if env := envOverrides(); len(env) > 0 {
		detail += " env: " + strings.Join(env, " ")
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: detail}
}

// envOverrides lists the AESTERISK_* variables in effect, secrets redacted.
func envOverrides() []string {
	var out []string
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "AESTERISK_") {
			continue
		}
		out = append(out, key+"="+shared.RedactEnvValue(key, value))
	}
	sort.Strings(out)
	return out
}

func checkRelayKey(_ context.Context, cfg *config.Relay) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Relay Key", Status: StatusSkip, Message: "Config missing"}
	}
	return checkPrivateKey("Relay Key", cfg.PrivateKeyPath)
}

func checkPrivateKey(name, path string) CheckResult {
	info, err := os.Stat(path)
	if err != nil {
		return CheckResult{Name: name, Status: StatusFail, Message: fmt.Sprintf("Cannot read %s: %v", path, err), Detail: "Generate one with `relay keygen`"}
	}
	if _, err := envelope.LoadPrivateKey(path); err != nil {
		return CheckResult{Name: name, Status: StatusFail, Message: fmt.Sprintf("Invalid key: %v", err)}
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return CheckResult{Name: name, Status: StatusWarn, Message: fmt.Sprintf("%s is accessible by other users (%v)", path, info.Mode().Perm()), Detail: "chmod 600 " + path}
	}
	return CheckResult{Name: name, Status: StatusPass, Message: "Private key loaded"}
}

func checkDatabase(ctx context.Context, cfg *config.Relay) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.Counts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	res := CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("teams=%d users=%d nodes=%d", counts.Teams, counts.Users, counts.Nodes),
	}
	if counts.Users == 0 && counts.Nodes == 0 {
		res.Status = StatusWarn
		res.Message = "No users or nodes registered; every handshake will be refused"
	}
	return res
}

func checkRelayPermissions(_ context.Context, cfg *config.Relay) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	return checkWritable(cfg.HomeDir)
}

func checkWritable(dir string) CheckResult {
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkListenAddress(_ context.Context, cfg *config.Relay) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listen", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		// Usually a running relay.
		return CheckResult{Name: "Listen", Status: StatusWarn, Message: fmt.Sprintf("%s is in use", cfg.ListenAddress), Detail: err.Error()}
	}
	_ = ln.Close()
	return CheckResult{Name: "Listen", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.ListenAddress)}
}

func checkAgentConfig(_ context.Context, cfg *config.Agent) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := uuid.Parse(cfg.NodeUUID); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: fmt.Sprintf("node_uuid %q is not a UUID", cfg.NodeUUID)}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: fmt.Sprintf("%s missing, using defaults", config.AgentFile)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAgentKeys(_ context.Context, cfg *config.Agent) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Keys", Status: StatusSkip, Message: "Config missing"}
	}
	if _, err := envelope.LoadPublicKey(cfg.RelayPublicKeyPath); err != nil {
		return CheckResult{Name: "Keys", Status: StatusFail, Message: fmt.Sprintf("Relay public key: %v", err)}
	}
	if _, err := os.Stat(cfg.PrivateKeyPath); os.IsNotExist(err) {
		return CheckResult{Name: "Keys", Status: StatusWarn, Message: "Daemon key missing; one is generated on first run"}
	}
	res := checkPrivateKey("Keys", cfg.PrivateKeyPath)
	if res.Status == StatusPass {
		res.Message = "Daemon key and relay public key loaded"
	}
	return res
}

func checkDocker(ctx context.Context, cfg *config.Agent) CheckResult {
	if cfg == nil || !cfg.DockerEnabled {
		return CheckResult{Name: "Docker", Status: StatusSkip, Message: "Docker disabled"}
	}
	d, err := agent.NewDocker()
	if err != nil {
		return CheckResult{Name: "Docker", Status: StatusFail, Message: err.Error()}
	}
	defer d.Close()

	ictx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	info, err := d.Engine(ictx)
	if err != nil {
		return CheckResult{Name: "Docker", Status: StatusFail, Message: "Daemon unreachable", Detail: err.Error()}
	}
	servers, err := d.Servers(ictx)
	if err != nil {
		return CheckResult{Name: "Docker", Status: StatusWarn, Message: "Cannot list containers", Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Docker",
		Status:  StatusPass,
		Message: fmt.Sprintf("Docker %s, %d managed servers", info.ServerVersion, len(servers)),
		Detail:  fmt.Sprintf("containers=%d running=%d", info.Containers, info.ContainersRunning),
	}
}

func checkRelayReachable(ctx context.Context, cfg *config.Agent) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Relay", Status: StatusSkip, Message: "Config missing"}
	}
	u, err := url.Parse(cfg.RelayURL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Relay", Status: StatusFail, Message: fmt.Sprintf("relay_url %q is invalid", cfg.RelayURL)}
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" || u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	conn, err := (&net.Dialer{}).DialContext(dctx, "tcp", host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{Name: "Relay", Status: StatusFail, Message: fmt.Sprintf("Cannot reach %s: %v", host, err)}
	}
	_ = conn.Close()
	return CheckResult{Name: "Relay", Status: StatusPass, Message: fmt.Sprintf("Reached %s (%dms)", host, latency.Milliseconds())}
}
