package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "syncctl",
	Short: "CLI for the sync server",
	Long: `syncctl talks to a running sync server. It applies manifests of jobs and
sync specs, inspects the job schedule and sync windows, and triggers
reconcile, backfill, and sync runs.

Settings resolve from flags, then SYNCCTL_* environment variables, then
the config file ($HOME/.syncctl.yaml by default).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat() {
		case "table", "json", "yaml":
			return nil
		default:
			return fmt.Errorf("unsupported output format %q (use table, json or yaml)", outputFormat())
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $HOME/.syncctl.yaml)")
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "Sync server URL")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format: table, json, yaml")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(specsCmd)
	rootCmd.AddCommand(windowsCmd)
	rootCmd.AddCommand(backfillCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".syncctl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SYNCCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "warning: reading config %s: %v\n", cfgFile, err)
		}
	}
}

func serverURL() string {
	return strings.TrimRight(viper.GetString("server"), "/")
}

func outputFormat() string {
	return strings.ToLower(viper.GetString("output"))
}
