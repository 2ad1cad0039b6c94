// Command sink-migrate is an operator tool for one resource instance's
// on-disk state: inspect its recorded databaseVersion and revision
// counters, take a cold backup of its five environments, or wipe them
// outright. Grounded on the teacher's cmd/warren-migrate/main.go
// flag-based backup/dry-run/bucket-copy idiom, adapted from in-place
// schema migration (warren-migrate's original job) to Sink's "wipe five
// environments and recreate on version bump" model (spec §6), since Sink
// has no schema-migration concept of its own — internal/resource.Open
// already performs that wipe automatically at startup; this tool exists
// for the operator actions that are never part of normal startup: taking
// a backup before an upgrade, or forcing a wipe while a resource is down.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/sink/internal/domain"
	"github.com/cuemby/sink/internal/entitystore"
	"github.com/cuemby/sink/internal/logx"
	"github.com/cuemby/sink/internal/queue"
	"github.com/cuemby/sink/internal/resource"
	"github.com/cuemby/sink/internal/store"
)

var (
	// Version is set via ldflags at build time.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sink-migrate",
	Short:   "Inspect, back up, or wipe a Sink resource instance's on-disk state",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	cobra.OnInitialize(func() {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		logx.Init(level, false)
	})

	rootCmd.AddCommand(inspectCmd, backupCmd, wipeCmd)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <data-dir>",
	Short: "Print the recorded databaseVersion, revision counters, and queue depths",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir := args[0]

		mainEnv, err := store.OpenEnv(filepath.Join(dataDir, "main"))
		if err != nil {
			return fmt.Errorf("opening main environment: %w", err)
		}
		defer mainEnv.Close()

		entities := entitystore.New(mainEnv, domain.NewRegistry())

		var version int
		var maxRev, cleanedRev uint64
		err = entities.View(func(r *entitystore.Reader) error {
			v, err := r.DatabaseVersion()
			if err != nil {
				return err
			}
			version = v
			rev, err := r.MaxRevision()
			if err != nil {
				return err
			}
			maxRev = uint64(rev)
			cleaned, err := r.CleanedUpRevision()
			if err != nil {
				return err
			}
			cleanedRev = uint64(cleaned)
			return nil
		})
		if err != nil {
			return fmt.Errorf("reading main environment: %w", err)
		}

		fmt.Printf("dataDir:            %s\n", dataDir)
		fmt.Printf("databaseVersion:    %d (latest known: %d)\n", version, resource.LatestDatabaseVersion)
		fmt.Printf("maxRevision:        %d\n", maxRev)
		fmt.Printf("cleanedUpRevision:  %d\n", cleanedRev)

		for _, q := range []struct {
			dir, name string
		}{
			{"userqueue", "userqueue"},
			{"synchronizerqueue", "synchronizerqueue"},
		} {
			qu, err := queue.Open(filepath.Join(dataDir, q.dir), q.name)
			if err != nil {
				return fmt.Errorf("opening %s: %w", q.dir, err)
			}
			depth, err := qu.Depth()
			qu.Close()
			if err != nil {
				return fmt.Errorf("reading %s depth: %w", q.dir, err)
			}
			fmt.Printf("%-18s depth: %d\n", q.name, depth)
		}

		if version != 0 && version < resource.LatestDatabaseVersion {
			fmt.Printf("\nthis instance will be wiped and recreated on next startup (databaseVersion %d < %d)\n", version, resource.LatestDatabaseVersion)
		}
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup <data-dir> <dest-dir>",
	Short: "Cold-copy all five environments into dest-dir (resource must be stopped)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, destDir := args[0], args[1]

		if err := os.MkdirAll(destDir, 0o700); err != nil {
			return fmt.Errorf("creating destination directory: %w", err)
		}

		for _, src := range resource.EnvPaths(dataDir) {
			if _, err := os.Stat(src); os.IsNotExist(err) {
				continue
			}
			dst := filepath.Join(destDir, filepath.Base(src))
			if err := copyFile(src, dst); err != nil {
				return fmt.Errorf("backing up %s: %w", src, err)
			}
			fmt.Printf("copied %s -> %s\n", src, dst)
		}
		return nil
	},
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

var wipeCmd = &cobra.Command{
	Use:   "wipe <data-dir>",
	Short: "Delete all five on-disk environments, resetting the resource to empty",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir := args[0]
		confirmed, _ := cmd.Flags().GetBool("yes")
		if !confirmed {
			return fmt.Errorf("refusing to wipe %s without --yes", dataDir)
		}
		if err := resource.ClearEnvironments(dataDir); err != nil {
			return fmt.Errorf("wiping %s: %w", dataDir, err)
		}
		fmt.Printf("wiped %s\n", dataDir)
		return nil
	},
}

func init() {
	wipeCmd.Flags().Bool("yes", false, "Confirm the wipe (required)")
}
