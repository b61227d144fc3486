package posture

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/zph/wsusctl/pkg/logger"
	"github.com/zph/wsusctl/pkg/operation"
)

// Accounts that need full control of the content directory.
const (
	NetworkService = "NETWORK SERVICE"
	IISUsers       = "IIS_IUSRS"
)

var requiredAccounts = []string{NetworkService, IISUsers}

// icacls prints "<identity>:(flags)(flags)..." per ACE.
var aceRe = regexp.MustCompile(`([^\s:][^:]*?):((?:\([A-Z,]+\))+)\s*$`)

// ACE is one parsed access entry.
type ACE struct {
	Identity string
	Flags    []string
}

// Writable reports an allow entry granting full control or modify.
func (a ACE) Writable() bool {
	write := false
	for _, f := range a.Flags {
		switch f {
		case "DENY":
			return false
		case "F", "M":
			write = true
		}
	}
	return write
}

// ParseICACLS extracts access entries from `icacls <path>` output.
func ParseICACLS(path string, lines []string) []ACE {
	var aces []ACE
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Successfully processed") {
			continue
		}
		if path != "" && strings.HasPrefix(strings.ToLower(line), strings.ToLower(path)) {
			line = strings.TrimSpace(line[len(path):])
		}
		m := aceRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		raw := strings.Trim(m[2], "()")
		var flags []string
		for _, group := range strings.Split(raw, ")(") {
			flags = append(flags, strings.Split(group, ",")...)
		}
		aces = append(aces, ACE{Identity: strings.TrimSpace(m[1]), Flags: flags})
	}
	return aces
}

// MissingContentGrants returns required accounts lacking write access.
func MissingContentGrants(aces []ACE) []string {
	var missing []string
	for _, account := range requiredAccounts {
		found := false
		for _, ace := range aces {
			if strings.Contains(strings.ToUpper(ace.Identity), account) && ace.Writable() {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, account)
		}
	}
	return missing
}

// CheckContentPermissions reports whether NETWORK SERVICE and IIS_IUSRS can
// write to the content directory.
func (c *Checker) CheckContentPermissions(ctx context.Context, contentPath string) operation.TypedResult[bool] {
	exists, err := c.runner.FileExists(ctx, contentPath)
	if err != nil {
		return operation.FailWith[bool]("Error checking permissions", err)
	}
	if !exists {
		return operation.FailWith[bool](fmt.Sprintf("Content directory does not exist: %s", contentPath), nil)
	}

	res, err := c.runner.Run(ctx, "icacls", []string{contentPath}, nil)
	if err != nil {
		return operation.FailWith[bool]("Error checking permissions", err)
	}
	if !res.Success() {
		return operation.FailWith[bool](fmt.Sprintf("icacls exited %d: %s", res.ExitCode, res.Output()), nil)
	}

	missing := MissingContentGrants(ParseICACLS(contentPath, res.Lines))
	logger.Debug("content permissions on %s missing: %v", contentPath, missing)
	if len(missing) == 0 {
		return operation.OkWith(true, "Content directory permissions are correct.")
	}
	return operation.OkWith(false, "Missing permissions: "+strings.Join(missing, " "))
}

// RepairContentPermissions grants full control to both accounts.
func (c *Checker) RepairContentPermissions(ctx context.Context, contentPath string, progress operation.Progress) operation.Result {
	exists, err := c.runner.FileExists(ctx, contentPath)
	if err != nil {
		return operation.Fail("Error repairing permissions", err)
	}
	if !exists {
		return operation.Fail(fmt.Sprintf("Content directory does not exist: %s", contentPath), nil)
	}

	for _, account := range requiredAccounts {
		progress.Emitf("Granting Full Control to %s on %s...", account, contentPath)
		res, err := c.runner.Run(ctx, "icacls", []string{
			contentPath, "/grant", account + ":(OI)(CI)F", "/T",
		}, nil)
		if err != nil {
			return operation.Fail(fmt.Sprintf("Failed to grant %s permissions", account), err)
		}
		if !res.Success() {
			msg := fmt.Sprintf("Failed to grant %s permissions: %s", account, strings.TrimSpace(res.Output()))
			progress.Emit("[FAIL] " + msg)
			return operation.Fail(msg, nil)
		}
		progress.Emitf("[OK] %s granted Full Control.", account)
	}
	logger.Info("content permissions repaired on %s", contentPath)
	return operation.Ok("Content directory permissions repaired successfully.")
}
