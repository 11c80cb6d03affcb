package commands

import (
	"github.com/spf13/cobra"
)

var dataDirFlag string

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "sentrygate",
		Short: "Mediation proxy for JSON-RPC tool-call traffic",
		Long:  "Sentrygate — policy enforcement, risk scoring, and a tamper-evident audit trail between an agent and its tool servers. No LLM. Single binary.",
	}

	root.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "data directory (default: $SENTRYGATE_DATA_DIR or ./sentrygate-data)")

	root.AddCommand(
		newServeCmd(),
		newKeygenCmd(),
		newVerifyCmd(),
		newLedgerCmd(),
		newApikeyCmd(),
	)

	return root
}
