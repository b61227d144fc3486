// Package updateserver drives the update server's own tooling. Each
// capability has a native implementation (wsusutil.exe, netsh) and a legacy
// one (PowerShell cmdlets and scripts); Chain picks between them.
package updateserver

import (
	"context"
	"errors"

	"github.com/zph/wsusctl/pkg/operation"
)

// ErrNotImplemented is returned by a client lacking a capability.
var ErrNotImplemented = errors.New("not implemented by this client")

// Client is one strategy for update-server maintenance commands.
type Client interface {
	Name() string

	// Cleanup runs the server's built-in cleanup.
	Cleanup(ctx context.Context, progress operation.Progress) operation.Result

	// PostInstall re-points the server at its database and content store.
	PostInstall(ctx context.Context, sqlInstance, contentPath string, progress operation.Progress) operation.Result

	// ConfigureHTTPS binds a certificate to the SSL port and switches the
	// server to SSL.
	ConfigureHTTPS(ctx context.Context, serverName, thumbprint string, progress operation.Progress) operation.Result

	// ResetContent re-verifies every content file against the database.
	ResetContent(ctx context.Context, progress operation.Progress) operation.Result
}

// Capability names one Client method.
type Capability string

const (
	CapCleanup      Capability = "cleanup"
	CapPostInstall  Capability = "postinstall"
	CapHTTPS        Capability = "https"
	CapContentReset Capability = "content-reset"
)

// notImplemented builds the result for a missing capability.
func notImplemented(client string, c Capability) operation.Result {
	return operation.Fail(client+" client does not support "+string(c), ErrNotImplemented)
}
