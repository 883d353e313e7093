package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/franz/dw-loader/internal/config"
	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks on the environment and configuration",
	Long: `Run diagnostic checks to ensure dwl can operate correctly.

This command checks:
- Configuration validity
- SQLite version
- Reachability of the control, staging and warehouse stores
- Readability of every pending source file
- Write access to the artifacts directory
- Notification settings

Use this command to troubleshoot issues before running a job.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type checkResult struct {
	name    string
	message string
	error   bool
	warning bool
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	util.InfoLog("=== DWL Doctor - System Diagnostics ===")
	util.InfoLog("")

	results := []checkResult{}

	cfg, err := loadConfig()
	if err != nil {
		results = append(results, checkResult{name: "Configuration", error: true, message: err.Error()})
		return printResults(results)
	}
	results = append(results, checkResult{name: "Configuration", message: fmt.Sprintf("job %s, mode %s", cfg.Job.Name, cfg.Job.Mode)})

	results = append(results, checkSQLite())
	results = append(results, checkStore(ctx, "Control store", cfg.Stores.Control, store.RoleControl))
	results = append(results, checkStore(ctx, "Staging store", cfg.Stores.Staging, store.RoleStaging))
	results = append(results, checkStore(ctx, "Warehouse store", cfg.Stores.Warehouse, store.RoleWarehouse))
	results = append(results, checkSourceFiles(ctx, cfg)...)
	results = append(results, checkArtifacts(cfg.Artifacts))
	results = append(results, checkNotify(cfg))

	return printResults(results)
}

func printResults(results []checkResult) error {
	util.InfoLog("")
	util.InfoLog("=== Diagnostic Results ===")
	util.InfoLog("")

	hasErrors := false
	hasWarnings := false

	for _, r := range results {
		symbol := "✓"
		if r.error {
			symbol = "✗"
			hasErrors = true
		} else if r.warning {
			symbol = "⚠"
			hasWarnings = true
		}

		line := fmt.Sprintf("[%s] %s", symbol, r.name)
		if r.message != "" {
			line += fmt.Sprintf(": %s", r.message)
		}

		if r.error {
			util.ErrorLog("%s", line)
		} else if r.warning {
			util.WarnLog("%s", line)
		} else {
			util.SuccessLog("%s", line)
		}
	}

	// Summary
	util.InfoLog("")
	if hasErrors {
		util.ErrorLog("❌ Some critical checks failed. Please resolve errors before running dwl.")
		return fmt.Errorf("system diagnostics failed")
	} else if hasWarnings {
		util.WarnLog("⚠️  Some checks produced warnings. Review them before proceeding.")
	} else {
		util.SuccessLog("✅ All checks passed! System is ready to run jobs.")
	}

	return nil
}

// checkSQLite verifies SQLite version
func checkSQLite() checkResult {
	// modernc.org/sqlite needs no external library
	version := store.SQLiteVersion()
	if version == "" {
		return checkResult{
			name:    "SQLite",
			error:   true,
			message: "unable to determine version",
		}
	}

	return checkResult{
		name:    "SQLite",
		message: fmt.Sprintf("version %s (built-in)", version),
	}
}

// checkStore opens one store, migrating it when it is a SQLite file
func checkStore(ctx context.Context, name, dsn string, role store.Role) checkResult {
	if dsn == "" {
		return checkResult{name: name, error: true, message: "no DSN configured"}
	}

	s, err := store.OpenWithOptions(ctx, dsn, &store.OpenOptions{Role: role})
	if err != nil {
		return checkResult{name: name, error: true, message: err.Error()}
	}
	defer s.Close()

	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return checkResult{name: name, error: true, message: fmt.Sprintf("cannot read schema version: %v", err)}
	}

	msg := fmt.Sprintf("%s, schema v%d", s.Dialect(), version)
	if s.Dialect() == store.SQLite {
		if info, err := os.Stat(dsn); err == nil {
			msg += fmt.Sprintf(", %s", humanize.Bytes(uint64(info.Size())))
		}
	} else {
		msg = fmt.Sprintf("%s, externally managed schema", s.Dialect())
	}
	return checkResult{name: name, message: msg}
}

// checkSourceFiles verifies that every pending file can be read
func checkSourceFiles(ctx context.Context, cfg *config.Config) []checkResult {
	control, err := store.OpenWithOptions(ctx, cfg.Stores.Control, &store.OpenOptions{Role: store.RoleControl})
	if err != nil {
		// already reported by the store check
		return nil
	}
	defer control.Close()

	pending, err := store.NewFileStatusStore(control, cfg.Staging.FileGroup).ListPending(ctx)
	if err != nil {
		return []checkResult{{name: "Source files", error: true, message: err.Error()}}
	}
	if len(pending) == 0 {
		return []checkResult{{name: "Source files", warning: true, message: "no pending files registered"}}
	}

	var results []checkResult
	var total int64
	for _, f := range pending {
		size, err := util.CheckReadable(f.Path)
		if err != nil {
			results = append(results, checkResult{
				name:    "Source file " + f.ConfigKey,
				warning: true,
				message: fmt.Sprintf("%v (the file will move to Error)", err),
			})
			continue
		}
		total += size
	}

	readable := len(pending) - len(results)
	return append([]checkResult{{
		name:    "Source files",
		message: fmt.Sprintf("%d of %d pending files readable (%s)", readable, len(pending), humanize.Bytes(uint64(total))),
	}}, results...)
}

// checkArtifacts verifies that event logs and reports can be written
func checkArtifacts(dir string) checkResult {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return checkResult{
			name:    "Artifacts directory",
			error:   true,
			message: fmt.Sprintf("cannot create %s: %v", dir, err),
		}
	}

	probe := filepath.Join(dir, ".dwl-write-test")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return checkResult{
			name:    "Artifacts directory",
			error:   true,
			message: fmt.Sprintf("%s is not writable: %v", dir, err),
		}
	}
	os.Remove(probe)

	return checkResult{name: "Artifacts directory", message: dir}
}

func checkNotify(cfg *config.Config) checkResult {
	sg := cfg.Notify.SendGrid
	if sg.APIKey == "" {
		return checkResult{name: "Notifications", message: "event log only (SendGrid disabled)"}
	}
	return checkResult{name: "Notifications", message: fmt.Sprintf("SendGrid from %s to %d recipients", sg.From, len(sg.To))}
}
