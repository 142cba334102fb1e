// Package doctor runs preflight diagnostics: configuration, both
// stores, the bus, the Telegram token, and network reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/narrabot/internal/config"
	"github.com/basket/narrabot/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
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

// Healthy reports whether no check failed outright.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkTransportToken,
		checkRelational,
		checkDocumentStore,
		checkBus,
		checkLocalQueue,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Fingerprint(),
	}
}

// Telegram bot tokens look like "<numeric id>:<35 url-safe chars>".
var tokenShape = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{30,}$`)

func checkTransportToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Transport Token", Status: "SKIP", Message: "Config missing"}
	}
	token := cfg.Transport.Token
	if token == "" {
		return CheckResult{
			Name:    "Transport Token",
			Status:  "FAIL",
			Message: "Bot token not configured",
			Detail:  "Set transport.token in config.yaml or the TRANSPORT_TOKEN env var",
		}
	}
	if !tokenShape.MatchString(token) {
		return CheckResult{
			Name:    "Transport Token",
			Status:  "WARN",
			Message: "Token does not look like a bot token",
			Detail:  "Expected \"<bot id>:<secret>\"",
		}
	}
	return CheckResult{Name: "Transport Token", Status: "PASS", Message: "Token present"}
}

func checkRelational(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Relational Store", Status: "SKIP", Message: "Config missing"}
	}
	rel, err := store.OpenRelational(cfg.Relational.Path)
	if err != nil {
		return CheckResult{Name: "Relational Store", Status: "FAIL",
			Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer rel.Close()

	if err := rel.Ping(ctx); err != nil {
		return CheckResult{Name: "Relational Store", Status: "FAIL",
			Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	return CheckResult{Name: "Relational Store", Status: "PASS",
		Message: "Connection and schema valid", Detail: cfg.Relational.Path}
}

func checkDocumentStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Document Store", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.DocStore.URI == "" {
		return CheckResult{
			Name:    "Document Store",
			Status:  "WARN",
			Message: "No MongoDB URI configured; falling back to the in-memory store",
			Detail:  "State will not survive a restart",
		}
	}

	openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	m, err := store.OpenMongo(openCtx, store.MongoOptions{
		URI:      cfg.DocStore.URI,
		Database: cfg.DocStore.Database,
	})
	if err != nil {
		return CheckResult{Name: "Document Store", Status: "FAIL",
			Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer m.Close(ctx)

	return CheckResult{Name: "Document Store", Status: "PASS",
		Message: "Connected and indexes ensured", Detail: cfg.DocStore.Database}
}

func checkBus(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Event Bus", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Bus.URI == "" {
		return CheckResult{
			Name:    "Event Bus",
			Status:  "WARN",
			Message: "No Redis URI configured; events will only use the local queue",
		}
	}

	opts, err := redis.ParseURL(cfg.Bus.URI)
	if err != nil {
		return CheckResult{Name: "Event Bus", Status: "FAIL",
			Message: fmt.Sprintf("Bad Redis URI: %v", err)}
	}
	if cfg.Bus.Password != "" {
		opts.Password = cfg.Bus.Password
	}

	client := redis.NewClient(opts)
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return CheckResult{Name: "Event Bus", Status: "FAIL",
			Message: fmt.Sprintf("Redis ping failed: %v", err)}
	}
	return CheckResult{Name: "Event Bus", Status: "PASS", Message: "Redis reachable"}
}

func checkLocalQueue(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Local Queue", Status: "SKIP", Message: "Config missing"}
	}
	dir := filepath.Dir(cfg.LocalQueue.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{Name: "Local Queue", Status: "FAIL",
			Message: fmt.Sprintf("Queue directory unusable: %v", err)}
	}
	probe := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Local Queue", Status: "FAIL",
			Message: fmt.Sprintf("Queue directory unwritable: %v", err)}
	}
	os.Remove(probe)
	return CheckResult{Name: "Local Queue", Status: "PASS",
		Message: "Queue directory writable", Detail: cfg.LocalQueue.Path}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	const host = "api.telegram.org"
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
