package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/vcetai/vcet-assist/engine/admin"
)

var natsURL string

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Send admin commands to running API replicas over NATS",
}

var remoteRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Ask every replica to rebuild its index",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, _ []string) error { return sendOp(cmd, admin.OpRebuild) },
}

var remoteClearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Ask every replica to clear its answer cache",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, _ []string) error { return sendOp(cmd, admin.OpClearCache) },
}

var remoteStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the health of one replica",
	Args:  cobra.NoArgs,
	RunE:  runRemoteStatus,
}

func init() {
	remoteCmd.PersistentFlags().StringVar(&natsURL, "nats", "", "NATS server URL (default NATS_URL)")
	remoteCmd.AddCommand(remoteRebuildCmd, remoteClearCacheCmd, remoteStatusCmd)
	rootCmd.AddCommand(remoteCmd)
}

func connectNATS() (*nats.Conn, error) {
	url := natsURL
	if url == "" {
		url = cfg.NATSURL
	}
	if url == "" {
		return nil, errors.New("no NATS server: set NATS_URL or --nats")
	}
	return nats.Connect(url, nats.Name("vcetctl"), nats.Timeout(5*time.Second))
}

func sendOp(cmd *cobra.Command, op admin.Op) error {
	nc, err := connectNATS()
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := admin.Send(cmd.Context(), nc, "vcetctl", op); err != nil {
		return err
	}
	cmd.Printf("Sent %s to all replicas\n", op)
	return nil
}

func runRemoteStatus(cmd *cobra.Command, _ []string) error {
	nc, err := connectNATS()
	if err != nil {
		return err
	}
	defer nc.Close()
	st, err := admin.QueryStatus(cmd.Context(), nc)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}
