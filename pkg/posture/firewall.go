package posture

import (
	"context"
	"fmt"
	"strings"

	"github.com/zph/wsusctl/pkg/executor"
	"github.com/zph/wsusctl/pkg/logger"
	"github.com/zph/wsusctl/pkg/operation"
	"github.com/zph/wsusctl/pkg/paths"
)

// FirewallRule is an inbound allow rule the update server needs.
type FirewallRule struct {
	Name string
	Port int
}

// WSUSRules are the inbound rules for client traffic.
var WSUSRules = []FirewallRule{
	{Name: "WSUS HTTP", Port: 8530},
	{Name: "WSUS HTTPS", Port: 8531},
}

// Checker probes and repairs host posture through a command runner.
type Checker struct {
	runner executor.Runner
	rules  []FirewallRule
	appCmd string
}

// Option customizes a Checker.
type Option func(*Checker)

// WithAppCmd overrides the appcmd.exe location.
func WithAppCmd(path string) Option {
	return func(c *Checker) {
		if path != "" {
			c.appCmd = path
		}
	}
}

// NewChecker creates a Checker for the default WSUS rules.
func NewChecker(r executor.Runner, opts ...Option) *Checker {
	c := &Checker{runner: r, rules: WSUSRules, appCmd: paths.DefaultAppCmd}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MissingFirewallRules returns the rules netsh cannot find.
func (c *Checker) MissingFirewallRules(ctx context.Context) ([]FirewallRule, error) {
	var missing []FirewallRule
	for _, rule := range c.rules {
		res, err := c.runner.Run(ctx, "netsh", []string{
			"advfirewall", "firewall", "show", "rule", "name=" + rule.Name,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to query firewall rule %q: %w", rule.Name, err)
		}
		if !res.Success() || strings.Contains(res.Output(), "No rules match") {
			missing = append(missing, rule)
		}
	}
	logger.Debug("firewall rules missing: %d of %d", len(missing), len(c.rules))
	return missing, nil
}

// CheckFirewallRules reports whether every rule exists.
func (c *Checker) CheckFirewallRules(ctx context.Context) operation.TypedResult[bool] {
	missing, err := c.MissingFirewallRules(ctx)
	if err != nil {
		return operation.FailWith[bool]("Error checking firewall rules", err)
	}
	if len(missing) == 0 {
		return operation.OkWith(true, "Both WSUS firewall rules found.")
	}
	names := make([]string, len(missing))
	for i, r := range missing {
		names[i] = fmt.Sprintf("%s (%d)", r.Name, r.Port)
	}
	return operation.OkWith(false, "Missing firewall rules: "+strings.Join(names, ", "))
}

// CreateFirewallRules adds the rules that are missing.
func (c *Checker) CreateFirewallRules(ctx context.Context, progress operation.Progress) operation.Result {
	missing, err := c.MissingFirewallRules(ctx)
	if err != nil {
		return operation.Fail("Error checking firewall rules", err)
	}
	for _, rule := range missing {
		progress.Emitf("Creating firewall rule '%s' (port %d)...", rule.Name, rule.Port)
		res, err := c.runner.Run(ctx, "netsh", []string{
			"advfirewall", "firewall", "add", "rule",
			"name=" + rule.Name,
			"dir=in", "action=allow", "protocol=TCP",
			fmt.Sprintf("localport=%d", rule.Port),
		}, nil)
		if err != nil {
			return operation.Fail(fmt.Sprintf("Failed to create firewall rule %q", rule.Name), err)
		}
		if !res.Success() {
			msg := fmt.Sprintf("Failed to create firewall rule %q: %s", rule.Name, strings.TrimSpace(res.Output()))
			progress.Emit("[FAIL] " + msg)
			return operation.Fail(msg, nil)
		}
		progress.Emitf("[OK] Firewall rule '%s' created (port %d).", rule.Name, rule.Port)
	}
	if len(missing) == 0 {
		return operation.Ok("WSUS firewall rules already present.")
	}
	logger.Info("created %d firewall rule(s)", len(missing))
	return operation.Ok("WSUS firewall rules created successfully.")
}
