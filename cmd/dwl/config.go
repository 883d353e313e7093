package main

import (
	"context"
	"fmt"

	"github.com/franz/dw-loader/internal/config"
	"github.com/franz/dw-loader/internal/orchestrator"
	"github.com/franz/dw-loader/internal/report"
	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
	"github.com/spf13/viper"
)

// loadConfig applies the global log flags and builds the runtime
// configuration with the precedence:
// 1. Environment variable (DWL_*)
// 2. Config file
// 3. Default value
func loadConfig() (*config.Config, error) {
	util.SetVerbose(viper.GetBool("verbose"))
	util.SetQuiet(viper.GetBool("quiet"))

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// eventLevel maps the global verbosity flags onto the event log level
func eventLevel() report.EventLevel {
	switch {
	case viper.GetBool("quiet"):
		return report.LevelWarning
	case viper.GetBool("verbose"):
		return report.LevelDebug
	default:
		return report.LevelInfo
	}
}

// openControl opens only the control store
func openControl(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	s, err := store.OpenWithOptions(ctx, cfg.Stores.Control, &store.OpenOptions{Role: store.RoleControl})
	if err != nil {
		return nil, fmt.Errorf("failed to open control store: %w", err)
	}
	return s, nil
}

// openStores opens all three stores. The returned func closes them.
func openStores(ctx context.Context, cfg *config.Config) (orchestrator.Stores, func(), error) {
	var stores orchestrator.Stores
	var opened []*store.Store
	closeAll := func() {
		for _, s := range opened {
			s.Close()
		}
	}

	roles := []struct {
		role store.Role
		dsn  string
		dst  **store.Store
	}{
		{store.RoleControl, cfg.Stores.Control, &stores.Control},
		{store.RoleStaging, cfg.Stores.Staging, &stores.Staging},
		{store.RoleWarehouse, cfg.Stores.Warehouse, &stores.Warehouse},
	}
	for _, r := range roles {
		util.DebugLog("Opening %s store", r.role)
		s, err := store.OpenWithOptions(ctx, r.dsn, &store.OpenOptions{Role: r.role})
		if err != nil {
			closeAll()
			return orchestrator.Stores{}, nil, fmt.Errorf("failed to open %s store: %w", r.role, err)
		}
		opened = append(opened, s)
		*r.dst = s
	}

	return stores, closeAll, nil
}
