package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/vietddude/distributor/internal/contract"
	"github.com/vietddude/distributor/internal/keys"
	"github.com/vietddude/distributor/internal/wallet"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a burner wallet and print its address and WIF",
	Run:   runKeygen,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <wif>",
	Short: "Show the address and public-key hash behind a WIF",
	Args:  cobra.ExactArgs(1),
	Run:   runInspect,
}

var contractDividend int64

var contractCmd = &cobra.Command{
	Use:   "contract",
	Short: "Print the dividend contract address",
	Run:   runContract,
}

func init() {
	contractCmd.Flags().Int64Var(&contractDividend, "dividend", 0, "dividend per token in sats (default from config)")
	rootCmd.AddCommand(keygenCmd, inspectCmd, contractCmd)
}

func network() keys.Network {
	cfg := mustLoad()
	net, err := keys.NetworkByName(string(cfg.Network.Name))
	if err != nil {
		slog.Error("Unsupported network", "error", err)
		os.Exit(1)
	}
	return net
}

func printRows(rows [][2]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", r[0], r[1])
	}
	_ = w.Flush()
}

func runKeygen(cmd *cobra.Command, args []string) {
	store := wallet.NewStore(network())
	h, err := store.SetFromGenerated()
	if err != nil {
		slog.Error("Failed to generate wallet", "error", err)
		os.Exit(1)
	}
	defer store.Clear()

	wif, err := h.RevealWIF()
	if err != nil {
		slog.Error("Failed to encode WIF", "error", err)
		os.Exit(1)
	}
	printRows([][2]string{{"ADDRESS", h.Address()}, {"WIF", wif}})
}

func runInspect(cmd *cobra.Command, args []string) {
	store := wallet.NewStore(network())
	h, err := store.SetFromImported(strings.TrimSpace(args[0]))
	if err != nil {
		slog.Error("Failed to import WIF", "error", err)
		os.Exit(1)
	}
	defer store.Clear()

	pkh := h.PublicKeyHash()
	printRows([][2]string{
		{"ADDRESS", h.Address()},
		{"PUBKEY", fmt.Sprintf("%x", h.PublicKey())},
		{"PKH", fmt.Sprintf("%x", pkh[:])},
	})
}

func runContract(cmd *cobra.Command, args []string) {
	cfg := mustLoad()
	net, err := keys.NetworkByName(string(cfg.Network.Name))
	if err != nil {
		slog.Error("Unsupported network", "error", err)
		os.Exit(1)
	}
	dividend := cfg.Contract.DividendPerToken
	if contractDividend > 0 {
		dividend = contractDividend
	}
	addr, err := contract.Address(contract.DividendParams(dividend), net)
	if err != nil {
		slog.Error("Failed to derive contract address", "error", err)
		os.Exit(1)
	}
	printRows([][2]string{{"DIVIDEND", fmt.Sprint(dividend)}, {"CONTRACT", addr}})
}
