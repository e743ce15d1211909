// Package cli implements the microdhcp commandline.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// CLI runs the microdhcp commandline.
func CLI() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}

// This represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "microdhcp",
	Short: "A small DHCP server and client",
	Long: `Microdhcp hands out IPv4 leases from a fixed address pool, and can
acquire a lease for a local interface.`,
}

var cfgFile string

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
}

func initConfig() {
	if cfgFile != "" { // enable ability to specify config file via flag
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Printf("Error reading configuration file %q: %s\n", viper.ConfigFileUsed(), err)
			os.Exit(1)
		}
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}

	viper.SetEnvPrefix("microdhcp")
	viper.AutomaticEnv() // read in environment variables that match
}

func newLogger(cmd *cobra.Command) *zap.SugaredLogger {
	debug, err := cmd.Flags().GetBool("debug")
	if err != nil {
		fatalf("Error reading flag: %s", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	if debug || viper.GetBool("debug") {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		fatalf("Error creating logger: %s", err)
	}
	return l.Sugar()
}

func fatalf(msg string, args ...interface{}) {
	fmt.Printf(msg+"\n", args...)
	os.Exit(1)
}
