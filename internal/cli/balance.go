package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vietddude/distributor/internal/control"
	"github.com/vietddude/distributor/internal/infra/electrum"
)

var balanceCmd = &cobra.Command{
	Use:   "balance <address>...",
	Short: "Query address balances from the Electrum cluster",
	Args:  cobra.MinimumNArgs(1),
	Run:   runBalance,
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}

func runBalance(cmd *cobra.Command, args []string) {
	cfg := mustLoad()

	cluster, err := electrum.NewCluster(cfg.Network.Servers, control.ClusterPolicy(cfg.Network))
	if err != nil {
		slog.Error("Invalid cluster configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, err := cluster.BuildSession(ctx)
	if err != nil {
		slog.Error("Failed to connect to cluster", "error", err)
		os.Exit(1)
	}
	defer session.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ADDRESS\tSATS\tBCH")
	for _, addr := range args {
		sats, err := session.QueryBalance(ctx, addr)
		if err != nil {
			slog.Error("Failed to query balance", "address", addr, "error", err)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.8f\n", addr, sats, float64(sats)/1e8)
	}
	_ = w.Flush()
}
