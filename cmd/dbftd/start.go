package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ahwlsqja/dbft-node/node"
)

func init() {
	f := startCmd.Flags()
	f.String("node_id", "", "Unique node identifier")
	f.String("listen_addr", "", "P2P listen address")
	f.String("abci_addr", "", "Remote ABCI application address (empty runs the built-in app)")
	f.String("key_file", "", "Validator key file (empty runs watch-only)")
	f.String("data_dir", "", "Data directory")
	f.String("metrics_addr", "", "Prometheus metrics address")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the node until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newViper(cmd)
		if err != nil {
			return err
		}
		cfg, err := node.LoadConfig(v, configFile)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		n, err := node.NewNode(ctx, cfg)
		if err != nil {
			return err
		}
		if err := n.Start(ctx); err != nil {
			_ = n.Stop()
			return fmt.Errorf("failed to start node: %w", err)
		}
		<-n.Done()
		return n.Err()
	},
}
