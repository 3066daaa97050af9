package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/girderhq/girder"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		addr        string
		collections []string
	)

	rootCmd := &cobra.Command{
		Use:   "girderd",
		Short: "Resource-oriented application server",
		Long: `girderd serves a set of resources over HTTP and a realtime socket,
with sessions shared across nodes through a persistent store and pub/sub.

Configuration comes from GIRDER_* environment variables (GIRDER_STORE_DSN
is required); flags override the listen address and register built-in
collection resources.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := girder.ConfigFromEnv()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}

			log := girder.NewLogger()
			srv, err := girder.NewServer(cfg, log)
			if err != nil {
				return err
			}

			for _, base := range collections {
				if !strings.HasPrefix(base, "/") {
					base = "/" + base
				}
				srv.AddCollection(base)
				log.Info("collection registered", "base_path", base)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	rootCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides GIRDER_ADDR)")
	rootCmd.Flags().StringSliceVar(&collections, "collection", nil, "base path of a built-in collection resource (repeatable)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("girderd %s (%s)\n", version, commit)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
