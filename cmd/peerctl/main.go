// cmd/peerctl is the operator CLI for a running webdht peer.
//
// Usage:
//
//	peerctl health                  --peer http://localhost:8080
//	peerctl stats                   --peer http://localhost:8080
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"webdht/internal/peerclient"
)

var (
	peerAddr string
	timeout  time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "peerctl",
		Short: "Operator CLI for a webdht peer's debug surface",
	}

	root.PersistentFlags().StringVarP(&peerAddr, "peer", "p",
		"http://localhost:8080", "Peer debug HTTP address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(healthCmd(), statsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report the peer's liveness and routing-table size",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := peerclient.New(peerAddr, timeout)
			h, err := c.Health(context.Background())
			if err != nil {
				return err
			}
			return prettyPrint(h)
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Report the peer's local storage stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := peerclient.New(peerAddr, timeout)
			s, err := c.Stats(context.Background())
			if err != nil {
				return err
			}
			return prettyPrint(s)
		},
	}
}

func prettyPrint(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
