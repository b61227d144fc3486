package posture

import (
	"context"
	"fmt"
	"strings"

	"github.com/zph/wsusctl/pkg/operation"
)

// WsusPool is the IIS application pool hosting the WSUS web services.
const WsusPool = "WsusPool"

// CheckAppPool reports whether WsusPool is started. appcmd prints nothing
// when the state filter does not match.
func (c *Checker) CheckAppPool(ctx context.Context) operation.TypedResult[bool] {
	res, err := c.runner.Run(ctx, c.appCmd, []string{"list", "apppool", WsusPool, "/state:Started"}, nil)
	if err != nil {
		return operation.FailWith[bool]("Error checking WSUS application pool", err)
	}
	if res.Success() && strings.Contains(res.Output(), WsusPool) {
		return operation.OkWith(true, "WsusPool is running.")
	}
	return operation.OkWith(false, "WsusPool is not running.")
}

// StartAppPool starts WsusPool.
func (c *Checker) StartAppPool(ctx context.Context) operation.Result {
	res, err := c.runner.Run(ctx, c.appCmd, []string{"start", "apppool", "/apppool.name:" + WsusPool}, nil)
	if err != nil {
		return operation.Fail("Failed to start WsusPool", err)
	}
	if !res.Success() {
		return operation.Fail(fmt.Sprintf("Failed to start WsusPool: %s", strings.TrimSpace(res.Output())), nil)
	}
	return operation.Ok("WsusPool started.")
}
