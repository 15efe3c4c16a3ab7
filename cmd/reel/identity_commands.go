package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"reel/internal/ipc"
)

func newIdentityCommand(ctx *commandContext) *cobra.Command {
	identityCmd := &cobra.Command{
		Use:     "identity",
		Aliases: []string{"identities"},
		Short:   "Manage known speaker identities",
	}

	var jsonOut bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List learned speaker identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Identities()
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Identities)
				}
				out := cmd.OutOrStdout()
				if len(resp.Identities) == 0 {
					fmt.Fprintln(out, "No identities stored")
					return nil
				}
				now := time.Now()
				rows := make([][]string, 0, len(resp.Identities))
				for _, id := range resp.Identities {
					rows = append(rows, []string{
						shortFingerprint(id.Fingerprint),
						id.Name,
						fmt.Sprintf("%.2f", id.Confidence),
						id.Source,
						formatAge(id.UpdatedAt, now),
					})
				}
				fmt.Fprint(out, renderTable(
					[]string{"Fingerprint", "Name", "Confidence", "Source", "Updated"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	addJSONFlag(listCmd, &jsonOut)

	removeCmd := &cobra.Command{
		Use:     "remove <fingerprint>",
		Aliases: []string{"forget"},
		Short:   "Forget a speaker identity",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.ForgetIdentity(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Identity %s removed\n", args[0])
				return nil
			})
		},
	}

	identityCmd.AddCommand(listCmd, removeCmd)
	return identityCmd
}
