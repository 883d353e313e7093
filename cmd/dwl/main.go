package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/franz/dw-loader/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version is set at build time
	Version = "dev"

	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "dwl",
		Short: "Data warehouse loader - stage, check and load mobile phone CSV files",
		Long: `dwl (Data Warehouse Loader) moves registered CSV source files through
staging, data quality checks, transform operations and a dimensional upsert
into the warehouse star schema. Every file is tracked through the states
Pending, Extracted, Transformed, Loaded and Error, and every run is recorded
in the control store with its steps, findings and errors.`,
		Version:      Version,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/dwl.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "quiet output (errors only)")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored log levels")

	// Bind flags to viper
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	viper.BindPFlag("no_color", rootCmd.PersistentFlags().Lookup("no-color"))
}

func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in common locations
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
		viper.SetConfigName("dwl")
		viper.SetConfigType("yaml")
	}

	// DWL_STORES_CONTROL overrides stores.control and so on
	viper.SetEnvPrefix("DWL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	util.SetColors(util.IsTerminal(os.Stderr.Fd()) && !viper.GetBool("no_color"))

	if err := viper.ReadInConfig(); err == nil {
		if !viper.GetBool("quiet") {
			util.InfoLog("Using config file: %s", viper.ConfigFileUsed())
		}
	} else if cfgFile != "" {
		util.WarnLog("Failed to read config file %s: %v", cfgFile, err)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	util.Sync()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
