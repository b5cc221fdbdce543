package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parley-im/parley/config"
	ilog "github.com/parley-im/parley/log"
	"github.com/parley-im/parley/server"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "parleyd",
		Short: "Message routing and delivery daemon for the parley chat service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			// Flags win over the configuration file.
			flags := cmd.Flags()
			if flags.Changed("bind") {
				cfg.Bind, _ = flags.GetString("bind")
			}
			if flags.Changed("log-level") {
				cfg.LogLevel, _ = flags.GetUint("log-level")
			}
			if flags.Changed("storage-dir") {
				cfg.Storage.Dir, _ = flags.GetString("storage-dir")
			}
			if flags.Changed("manage-endpoint") {
				cfg.Manage.Endpoint, _ = flags.GetString("manage-endpoint")
			}
			if flags.Changed("redis-endpoint") {
				cfg.Redis.Endpoint, _ = flags.GetString("redis-endpoint")
			}

			ilog.SetGlobalLogLevel(cfg.LogLevel)
			ilog.Infof0("parley server start")
			ilog.Infof0("-bind=%v", cfg.Bind)
			ilog.Infof0("-log-level=%v", cfg.LogLevel)
			ilog.Infof0("-storage-dir=%v", cfg.Storage.Dir)

			srv, err := server.New(cfg)
			if err != nil {
				return err
			}
			if err = srv.Start(); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			sig := <-stop
			ilog.Infof0("received %v, shutting down", sig)
			srv.Shutdown()
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	flags.String("bind", ":9009", "TCP listen endpoint")
	flags.Uint("log-level", 2, "log verbosity (0-5)")
	flags.String("storage-dir", "parley-data", "offline store directory")
	flags.String("manage-endpoint", "", "management HTTP endpoint (empty disables)")
	flags.String("redis-endpoint", "", "Redis endpoint for presence events (empty disables)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
