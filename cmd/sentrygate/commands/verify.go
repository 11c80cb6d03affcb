package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/sentrygate/sentrygate/internal/policy"
	"github.com/sentrygate/sentrygate/internal/sconfig"
	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	var policyPath string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Validate the policy.json document",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := policyPath
			if path == "" {
				layout, err := sconfig.Resolve(dataDirFlag)
				if err != nil {
					return err
				}
				path = layout.PolicyPath()
			}

			pol, err := policy.Load(path)
			if err != nil {
				return fmt.Errorf("loading policy: %w", err)
			}

			eval, err := policy.Compile(pol)
			if err != nil {
				return fmt.Errorf("compiling policy: %w", err)
			}

			fmt.Printf("%s %s is valid\n", color.GreenString("Policy"), path)
			fmt.Printf("  Version:  %d\n", pol.Version)
			fmt.Printf("  Servers:  %d\n", len(pol.Servers))
			fmt.Printf("  Hash:     %s\n", eval.Hash())
			for _, sp := range pol.Servers {
				fmt.Printf("    %-20s default=%-6s tools=%d\n", sp.Server, sp.Default, len(sp.Tools))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&policyPath, "policy", "", "path to policy.json (default: <data-dir>/policy.json)")
	return cmd
}
