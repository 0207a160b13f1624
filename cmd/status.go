package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/AEtherlight-ai/lumina-sub000/internal/app"
	"github.com/AEtherlight-ai/lumina-sub000/internal/presentation"
)

func newStatusCmd(env *environment) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Run one health check round and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return env.withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				rt.Health().Tick(ctx)
				report := presentation.FromStatuses(rt.Health().Statuses())

				f := presentation.NewFormatter(cmd.OutOrStdout())
				if asJSON {
					return f.FormatJSON(report)
				}
				return f.FormatStatus(report)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
