package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/sentrygate/sentrygate/internal/ledger"
	"github.com/sentrygate/sentrygate/internal/sconfig"
	"github.com/spf13/cobra"
)

func colorizeVerdict(verdict string) string {
	switch verdict {
	case "allow", "passthrough":
		return color.GreenString(verdict)
	case "deny":
		return color.RedString(verdict)
	case "flag", "rate_limited":
		return color.YellowString(verdict)
	default:
		return verdict
	}
}

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and verify the audit ledger",
	}
	cmd.AddCommand(newLedgerQueryCmd(), newLedgerVerifyCmd())
	return cmd
}

func newLedgerQueryCmd() *cobra.Command {
	var server, tool, verdict string
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print recent audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openLedgerStore()
			if err != nil {
				return err
			}
			defer closeStore()

			opts := ledger.QueryOpts{
				Server:  server,
				Tool:    tool,
				Verdict: verdict,
				Limit:   limit,
			}
			records, err := store.Query(opts)
			if err != nil {
				return fmt.Errorf("querying ledger: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			for _, r := range records {
				tool := "-"
				if r.Tool != nil {
					tool = *r.Tool
				}
				fmt.Printf("%-6d %-24s %-10s %-20s %-20s %s\n", r.ID, r.Timestamp, colorizeVerdict(string(r.Verdict)), r.Server, tool, r.Method)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "filter by server")
	cmd.Flags().StringVar(&tool, "tool", "", "filter by tool")
	cmd.Flags().StringVar(&verdict, "verdict", "", "filter by verdict (allow, deny, passthrough, rate_limited)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to print")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func newLedgerVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-chain",
		Short: "Verify the hash chain and every signature in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openLedgerStore()
			if err != nil {
				return err
			}
			defer closeStore()

			records, err := store.GetAll()
			if err != nil {
				return fmt.Errorf("reading ledger: %w", err)
			}

			brokenAt, reason := ledger.VerifyChain(records)
			if brokenAt == -1 {
				fmt.Printf("%s: %d records, chain and signatures verify\n", color.GreenString("Ledger intact"), len(records))
				return nil
			}

			fmt.Printf("%s at record index %d: %s\n", color.RedString("Ledger tampering detected"), brokenAt, reason)
			os.Exit(1)
			return nil
		},
	}
}

func openLedgerStore() (*ledger.Store, func(), error) {
	layout, err := sconfig.Resolve(dataDirFlag)
	if err != nil {
		return nil, nil, err
	}
	store, err := ledger.NewStore(layout.LedgerDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("opening ledger: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}
