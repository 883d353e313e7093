package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/franz/dw-loader/internal/report"
	"github.com/franz/dw-loader/internal/scan"
	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
	"github.com/spf13/cobra"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Manage the registered source files",
	Long: `Manage the source file registry kept in the control store.

Each entry maps a config key to a CSV path and carries its lifecycle status:
NP (Pending), EX (Extracted), TR (Transformed), LD (Loaded) or ER (Error).
Only active entries in status NP are picked up by 'dwl run'.`,
}

var filesAddCmd = &cobra.Command{
	Use:   "add <config-key> <path>",
	Short: "Register a source file as pending",
	Args:  cobra.ExactArgs(2),
	RunE:  runFilesAdd,
}

var filesScanCmd = &cobra.Command{
	Use:   "scan <dir>",
	Short: "Register every unregistered CSV file under a directory",
	Long: `Walk a directory tree in lexical order and register every source file
not yet in the registry as Pending. New entries are named <prefix>_<n>,
continuing after the highest number in use. Files already registered are left
alone whatever their status.`,
	Args: cobra.ExactArgs(1),
	RunE: runFilesScan,
}

var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered source files with their status",
	RunE:  runFilesList,
}

var filesResetCmd = &cobra.Command{
	Use:   "reset [config-key...]",
	Short: "Move files back to Pending so the next run picks them up again",
	Long: `Move the named files back to Pending. With --errors every file in
status Error is reset.`,
	RunE: runFilesReset,
}

var filesDisableCmd = &cobra.Command{
	Use:   "disable <config-key>",
	Short: "Exclude a file from runs without changing its status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(cmd, args[0], false)
	},
}

var filesEnableCmd = &cobra.Command{
	Use:   "enable <config-key>",
	Short: "Include a disabled file in runs again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(cmd, args[0], true)
	},
}

func init() {
	rootCmd.AddCommand(filesCmd)
	filesCmd.AddCommand(filesAddCmd, filesScanCmd, filesListCmd, filesResetCmd, filesDisableCmd, filesEnableCmd)

	filesScanCmd.Flags().StringSlice("ext", nil, "Additional file extensions to register (e.g. tsv)")
	filesScanCmd.Flags().String("prefix", "", "Config key prefix for new entries (default: the file group)")
	filesListCmd.Flags().String("status", "", "Show only files with this status code (NP, EX, TR, LD, ER)")
	filesResetCmd.Flags().Bool("errors", false, "Reset every file in status Error")
}

func runFilesAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path, err := filepath.Abs(args[1])
	if err != nil {
		return fmt.Errorf("invalid path %s: %w", args[1], err)
	}
	if _, err := util.CheckReadable(path); err != nil {
		util.WarnLog("%s is not readable yet: %v", path, err)
	}

	control, err := openControl(ctx, cfg)
	if err != nil {
		return err
	}
	defer control.Close()

	files := store.NewFileStatusStore(control, cfg.Staging.FileGroup)
	if _, err := files.Get(ctx, args[0]); err == nil {
		return fmt.Errorf("config key %s is already registered", args[0])
	} else if !store.IsNotFound(err) {
		return err
	}

	f, err := files.Register(ctx, args[0], path)
	if err != nil {
		return err
	}

	util.SuccessLog("Registered %s -> %s (%s)", f.ConfigKey, f.Path, f.Status.Label())
	return nil
}

func runFilesScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	exts, _ := cmd.Flags().GetStringSlice("ext")
	prefix, _ := cmd.Flags().GetString("prefix")

	control, err := openControl(ctx, cfg)
	if err != nil {
		return err
	}
	defer control.Close()

	logger, err := report.NewEventLogger(cfg.Artifacts, eventLevel())
	if err != nil {
		util.WarnLog("Failed to create event logger: %v", err)
		logger = report.NullLogger()
	}
	defer logger.Close()

	scanner := scan.New(&scan.Config{
		Files:          store.NewFileStatusStore(control, cfg.Staging.FileGroup),
		AdditionalExts: exts,
		KeyPrefix:      prefix,
		Logger:         logger,
	})

	result, err := scanner.Scan(ctx, args[0])
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	for _, f := range result.Registered {
		util.InfoLog("  %-20s %s", f.ConfigKey, f.Path)
	}
	if len(result.Errors) > 0 {
		util.WarnLog("%d files could not be registered", len(result.Errors))
		for i, err := range result.Errors {
			if i >= 10 {
				util.WarnLog("... and %d more errors", len(result.Errors)-10)
				break
			}
			util.WarnLog("  - %v", err)
		}
	}
	return nil
}

func runFilesList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	statusFilter, _ := cmd.Flags().GetString("status")

	control, err := openControl(ctx, cfg)
	if err != nil {
		return err
	}
	defer control.Close()

	files := store.NewFileStatusStore(control, cfg.Staging.FileGroup)
	all, err := files.List(ctx)
	if err != nil {
		return err
	}

	if len(all) == 0 {
		util.WarnLog("No files registered. Run 'dwl files add <config-key> <path>' first.")
		return nil
	}

	util.InfoLog("=== Source Files (%s) ===", cfg.Staging.FileGroup)
	util.InfoLog("")

	shown := 0
	for _, f := range all {
		if statusFilter != "" && string(f.Status) != statusFilter {
			continue
		}
		shown++

		active := ""
		if !f.Active {
			active = " [disabled]"
		}
		util.InfoLog("%-20s %-2s  %s%s", f.ConfigKey, f.Status, f.Path, active)
		util.InfoLog("%-20s     updated %s", "", humanize.Time(f.LastModified))
	}

	counts, err := files.CountByStatus(ctx)
	if err != nil {
		return err
	}
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)

	util.InfoLog("")
	util.InfoLog("Showing %d of %d files", shown, len(all))
	for _, s := range statuses {
		util.InfoLog("  %-12s %d", store.FileStatus(s).Label()+":", counts[store.FileStatus(s)])
	}
	return nil
}

func runFilesReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	errorsOnly, _ := cmd.Flags().GetBool("errors")
	if len(args) == 0 && !errorsOnly {
		return fmt.Errorf("name at least one config key or use --errors")
	}

	control, err := openControl(ctx, cfg)
	if err != nil {
		return err
	}
	defer control.Close()

	files := store.NewFileStatusStore(control, cfg.Staging.FileGroup)
	keys := args
	if errorsOnly {
		all, err := files.List(ctx)
		if err != nil {
			return err
		}
		for _, f := range all {
			if f.Status == store.StatusError {
				keys = append(keys, f.ConfigKey)
			}
		}
	}

	for _, key := range keys {
		if err := files.SetStatus(ctx, key, store.StatusPending); err != nil {
			return fmt.Errorf("failed to reset %s: %w", key, err)
		}
		util.InfoLog("%s -> %s", key, store.StatusPending.Label())
	}

	util.SuccessLog("Reset %d files", len(keys))
	return nil
}

func setActive(cmd *cobra.Command, key string, active bool) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	control, err := openControl(ctx, cfg)
	if err != nil {
		return err
	}
	defer control.Close()

	files := store.NewFileStatusStore(control, cfg.Staging.FileGroup)
	if err := files.SetActive(ctx, key, active); err != nil {
		return err
	}

	state := "disabled"
	if active {
		state = "enabled"
	}
	util.SuccessLog("%s %s", key, state)
	return nil
}
