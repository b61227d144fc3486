package updateserver

import (
	"context"
	"errors"
	"strings"

	"github.com/zph/wsusctl/pkg/config"
	"github.com/zph/wsusctl/pkg/executor"
	"github.com/zph/wsusctl/pkg/logger"
	"github.com/zph/wsusctl/pkg/operation"
)

// FallbackPolicy enables falling through to the next client per capability.
// Content reset follows the Cleanup flag.
type FallbackPolicy struct {
	Install bool
	Cleanup bool
	HTTPS   bool
}

func (p FallbackPolicy) allows(c Capability) bool {
	switch c {
	case CapPostInstall:
		return p.Install
	case CapHTTPS:
		return p.HTTPS
	default:
		return p.Cleanup
	}
}

// Chain tries clients in order. The first success wins; a failure moves on
// only when the policy allows fallback for that capability.
type Chain struct {
	clients []Client
	policy  FallbackPolicy
}

// NewChain creates a chain over clients, preferred first.
func NewChain(policy FallbackPolicy, clients ...Client) *Chain {
	return &Chain{clients: clients, policy: policy}
}

func (c *Chain) Name() string {
	names := make([]string, len(c.clients))
	for i, cl := range c.clients {
		names[i] = cl.Name()
	}
	return strings.Join(names, "+")
}

func (c *Chain) run(ctx context.Context, capability Capability, progress operation.Progress, call func(Client) operation.Result) operation.Result {
	if len(c.clients) == 0 {
		return notImplemented("empty", capability)
	}

	var last operation.Result
	for i, cl := range c.clients {
		last = call(cl)
		if last.Success() {
			return last
		}
		if ctx.Err() != nil {
			return last
		}
		if i == len(c.clients)-1 {
			break
		}
		if !c.policy.allows(capability) {
			if !errors.Is(last.Err(), ErrNotImplemented) {
				logger.Debug("%s %s failed, fallback disabled", cl.Name(), capability)
			}
			return last
		}
		next := c.clients[i+1].Name()
		progress.Emitf("[FALLBACK] %s %s failed: %s. Switching to %s.",
			capitalize(cl.Name()), capability, strings.TrimSuffix(last.Detail(), "."), next)
		logger.WithFields(map[string]interface{}{
			"capability": string(capability),
			"from":       cl.Name(),
			"to":         next,
		}).Warn("update server client fallback")
	}
	return last
}

func (c *Chain) Cleanup(ctx context.Context, progress operation.Progress) operation.Result {
	return c.run(ctx, CapCleanup, progress, func(cl Client) operation.Result {
		return cl.Cleanup(ctx, progress)
	})
}

func (c *Chain) PostInstall(ctx context.Context, sqlInstance, contentPath string, progress operation.Progress) operation.Result {
	return c.run(ctx, CapPostInstall, progress, func(cl Client) operation.Result {
		return cl.PostInstall(ctx, sqlInstance, contentPath, progress)
	})
}

// ConfigureHTTPS validates input once; bad input never falls back.
func (c *Chain) ConfigureHTTPS(ctx context.Context, serverName, thumbprint string, progress operation.Progress) operation.Result {
	serverName, thumbprint, err := ValidateHTTPSInput(serverName, thumbprint)
	if err != nil {
		return operation.Fail(err.Error(), err)
	}
	return c.run(ctx, CapHTTPS, progress, func(cl Client) operation.Result {
		return cl.ConfigureHTTPS(ctx, serverName, thumbprint, progress)
	})
}

func (c *Chain) ResetContent(ctx context.Context, progress operation.Progress) operation.Result {
	return c.run(ctx, CapContentReset, progress, func(cl Client) operation.Result {
		return cl.ResetContent(ctx, progress)
	})
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

var _ Client = (*Chain)(nil)
var _ Client = (*NativeClient)(nil)
var _ Client = (*LegacyClient)(nil)

// NewDefaultChain builds the native-then-legacy chain from configuration.
func NewDefaultChain(r executor.Runner, cfg *config.Config) *Chain {
	native := NewNativeClient(r, NativeOptions{
		WsusUtil:   cfg.Tools.WsusUtil,
		PowerShell: cfg.Tools.PowerShell,
		SSLIPPort:  cfg.Tools.SSLIPPort,
	})
	legacy := NewLegacyClient(r, LegacyOptions{
		PowerShell: cfg.Tools.PowerShell,
		ScriptsDir: cfg.Tools.ScriptsDir,
		ServerPort: cfg.Tools.ServerPort,
	})
	return NewChain(FallbackPolicy{
		Install: cfg.EnableFallbackForInstall,
		Cleanup: cfg.EnableFallbackForCleanup,
		HTTPS:   cfg.EnableFallbackForHttps,
	}, native, legacy)
}
