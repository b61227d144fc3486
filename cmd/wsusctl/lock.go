package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zph/wsusctl/pkg/operation"
)

var lockReleaseForce bool

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or clear the operation lock",
	Long: `wsusctl holds a lock file while an operation runs so that two invocations
cannot work on the same server at once. A crashed process leaves the lock
behind until it expires; use "lock release" to clear it sooner.`,
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the operation lock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		locks, err := lockManager()
		if err != nil {
			return err
		}
		lock, err := locks.Get()
		if err != nil {
			return err
		}
		out := newPrinter()
		if lock == nil {
			out.line("[OK] No operation lock held.")
			return nil
		}
		state := "[WARN] Lock held"
		if lock.Expired() {
			state = "[OK] Lock expired (will be taken over by the next operation)"
		}
		out.line(state)

		var b strings.Builder
		fmt.Fprintf(&b, "Operation: %s (%s)\n", lock.Operation, lock.OperationID)
		fmt.Fprintf(&b, "Server:    %s\n", lock.Server)
		fmt.Fprintf(&b, "Held by:   %s\n", lock.LockedBy)
		fmt.Fprintf(&b, "Since:     %s (%s)\n", lock.LockedAt.Local().Format(time.RFC1123), humanize.Time(lock.LockedAt))
		fmt.Fprintf(&b, "Expires:   %s (%s)\n", lock.ExpiresAt.Local().Format(time.RFC1123), humanize.Time(lock.ExpiresAt))
		fmt.Fprintf(&b, "Renewed:   %d times\n", lock.RenewCount)
		fmt.Fprintf(&b, "File:      %s", locks.Path())
		out.box(b.String())
		return nil
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Remove the operation lock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		locks, err := lockManager()
		if err != nil {
			return err
		}
		lock, err := locks.Get()
		if err != nil {
			return err
		}
		out := newPrinter()
		if lock == nil {
			out.line("[OK] No operation lock held.")
			return nil
		}
		if !lock.Expired() && !lockReleaseForce {
			return fmt.Errorf("lock held by %s for %q until %s; pass --force if that process is gone",
				lock.LockedBy, lock.Operation, lock.ExpiresAt.Local().Format(time.RFC3339))
		}
		if err := locks.ForceRelease(); err != nil {
			return err
		}
		out.linef("[OK] Released lock held by %s for %q.", lock.LockedBy, lock.Operation)
		return nil
	},
}

func lockManager() (*operation.LockManager, error) {
	_, layout, err := loadState()
	if err != nil {
		return nil, err
	}
	return operation.NewLockManager(layout.LockFile()), nil
}

func init() {
	rootCmd.AddCommand(lockCmd)
	lockCmd.AddCommand(lockStatusCmd, lockReleaseCmd)
	lockReleaseCmd.Flags().BoolVarP(&lockReleaseForce, "force", "f", false, "Release a lock that has not expired")
}
