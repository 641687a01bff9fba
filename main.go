package main

import (
	"fmt"
	"os"

	"github.com/go-i2p/go-secchan/lib/config"
	"github.com/go-i2p/go-secchan/lib/util"
	"github.com/go-i2p/go-secchan/lib/util/signals"
	"github.com/go-i2p/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logger.GetGoI2PLogger()

// securityConfig is loaded by the root command before any subcommand runs.
var securityConfig *config.SecurityConfig

var rootCmd = &cobra.Command{
	Use:   "go-secchan",
	Short: "Secure association layer for overlay nodes",
	Long: `go-secchan authenticates overlay peers with X.509 certificates and
protects their datagrams with per-peer secure associations multiplexed over
one insecure transport.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(); err != nil {
			return err
		}
		cfg, err := config.NewSecurityConfigFromViper()
		if err != nil {
			return err
		}
		securityConfig = cfg
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&config.CfgFile, "config", "", "config file (default $HOME/.go-secchan/config.yaml)")
	rootCmd.PersistentFlags().String("trust-dir", "", "directory holding CA and local certificates")
	if err := viper.BindPFlag("security.trust_dir", rootCmd.PersistentFlags().Lookup("trust-dir")); err != nil {
		log.WithError(err).Warn("failed to bind trust-dir flag")
	}
	rootCmd.AddCommand(inspectCmd, selfTestCmd)
}

func main() {
	go signals.Handle()
	signals.RegisterReloadHandler(func() {
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).Warn("config reload failed")
			return
		}
		log.WithField("file", viper.ConfigFileUsed()).Info("configuration reloaded")
	})
	signals.RegisterInterruptHandler(func() {
		log.Debug("interrupted, closing open resources")
		if err := util.CloseAll(); err != nil {
			log.WithError(err).Warn("shutdown incomplete")
		}
		os.Exit(1)
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
