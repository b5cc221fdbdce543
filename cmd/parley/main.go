package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parley-im/parley/client"
)

func main() {
	var host string
	var port int
	var username string
	var downloads string

	root := &cobra.Command{
		Use:   "parley",
		Short: "Interactive command-line client for the parley chat service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			if err := os.MkdirAll(downloads, 0o755); err != nil {
				return err
			}

			addr := fmt.Sprintf("%s:%d", host, port)
			c, err := client.Dial(addr)
			if err != nil {
				return fmt.Errorf("connect to %v: %w", addr, err)
			}
			defer c.Close()

			if err = c.Auth(username); err != nil {
				return err
			}
			fmt.Println("authenticated as", username)

			go listen(c, downloads)
			return interact(c)
		},
	}

	flags := root.Flags()
	flags.StringVar(&host, "host", "127.0.0.1", "server host")
	flags.IntVar(&port, "port", 9009, "server port")
	flags.StringVarP(&username, "username", "u", "", "username to authenticate as")
	flags.StringVar(&downloads, "downloads", "downloads", "directory for received files")
	root.MarkFlagRequired("username")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
