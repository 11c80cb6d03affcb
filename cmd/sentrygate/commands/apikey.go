package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/sentrygate/sentrygate/internal/admission"
	"github.com/sentrygate/sentrygate/internal/sconfig"
	"github.com/spf13/cobra"
)

func newApikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage admission-layer API keys",
		Long:  "Create, list, and revoke the API keys used by the admission layer to authenticate callers.",
	}
	cmd.AddCommand(newApikeyCreateCmd(), newApikeyListCmd(), newApikeyRevokeCmd())
	return cmd
}

func newApikeyCreateCmd() *cobra.Command {
	var owner, label string
	var scopes []string
	var rpmOverride int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Generate a new API key",
		Example: `  sentrygate apikey create --owner ops-team --label "ci pipeline"
  sentrygate apikey create --owner ops-team --label laptop --rpm 30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openAuthStore()
			if err != nil {
				return err
			}
			defer closeStore()

			var rpm *int
			if rpmOverride > 0 {
				rpm = &rpmOverride
			}

			generated, err := store.CreateApiKey(owner, label, strings.Join(scopes, ","), nil, rpm)
			if err != nil {
				return fmt.Errorf("creating api key: %w", err)
			}

			fmt.Println("API key created. The raw secret is shown once and never stored:")
			fmt.Printf("  id:     %s\n", generated.ApiKey.ID)
			fmt.Printf("  secret: %s\n", generated.RawSecret)
			fmt.Printf("  owner:  %s\n", owner)
			fmt.Printf("  label:  %s\n", label)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner id for this key")
	cmd.Flags().StringVar(&label, "label", "", "human-readable label")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scope(s) granted to this key")
	cmd.Flags().IntVar(&rpmOverride, "rpm", 0, "per-key requests-per-minute override (0 = use the global default)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newApikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openAuthStore()
			if err != nil {
				return err
			}
			defer closeStore()

			keys, err := store.ListApiKeys()
			if err != nil {
				return fmt.Errorf("listing api keys: %w", err)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\tOWNER\tLABEL\tSTATUS\n") //nolint:errcheck
			for _, k := range keys {
				status := color.GreenString("active")
				if k.Revoked {
					status = color.RedString("revoked")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.ID, k.OwnerID, k.Label, status) //nolint:errcheck
			}
			return tw.Flush()
		},
	}
}

func newApikeyRevokeCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openAuthStore()
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.RevokeApiKey(id); err != nil {
				return fmt.Errorf("revoking api key: %w", err)
			}
			fmt.Printf("Revoked %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id to revoke")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func openAuthStore() (*admission.Store, func(), error) {
	layout, err := sconfig.Resolve(dataDirFlag)
	if err != nil {
		return nil, nil, err
	}
	store, err := admission.NewStore(layout.AuthDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("opening auth store: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}
