package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AEtherlight-ai/lumina-sub000/internal/app"
	"github.com/AEtherlight-ai/lumina-sub000/internal/config"
	"github.com/AEtherlight-ai/lumina-sub000/internal/presentation"
)

func newConfigCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and change runtime settings",
		Long: `Inspect and change runtime settings.

Settings resolve from the default, environment, user, workspace and runtime
layers; the highest layer that defines a key wins. User settings live in a
YAML file, workspace settings in .lumina/settings.db.

Examples:
  lumina config list
  lumina config get cache.max_size
  lumina config set cache.max_size 5000 --layer workspace
  lumina config unset cache.max_size --layer workspace`,
	}
	cmd.AddCommand(
		newConfigGetCmd(env),
		newConfigSetCmd(env),
		newConfigUnsetCmd(env),
		newConfigListCmd(env),
	)
	return cmd
}

func newConfigGetCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the effective value of a setting and its source layer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withRuntime(cmd, func(_ context.Context, rt *app.Runtime) error {
				key := args[0]
				v, ok := rt.Config().Get(key)
				if !ok {
					return fmt.Errorf("%w: %s", config.ErrUnknownKey, key)
				}
				src, _ := rt.Config().Source(key)
				fmt.Fprintf(cmd.OutOrStdout(), "%v\t(%s)\n", v, src)
				return nil
			})
		},
	}
}

func persistentLayer(name string) (config.Layer, error) {
	layer, err := config.ParseLayer(name)
	if err != nil {
		return layer, err
	}
	if !layer.Persistent() {
		return layer, fmt.Errorf("layer %s is not persisted; use user or workspace", layer)
	}
	return layer, nil
}

func newConfigSetCmd(env *environment) *cobra.Command {
	var layerName string
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist a setting in the user or workspace layer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			layer, err := persistentLayer(layerName)
			if err != nil {
				return err
			}
			return env.withRuntime(cmd, func(_ context.Context, rt *app.Runtime) error {
				v, err := rt.Config().Coerce(args[0], args[1])
				if err != nil {
					return err
				}
				if err := rt.Config().SetLayer(args[0], v, layer); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %v (%s)\n", args[0], v, layer)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&layerName, "layer", "l", config.LayerUser.String(), "target layer: user or workspace")
	return cmd
}

func newConfigUnsetCmd(env *environment) *cobra.Command {
	var layerName string
	cmd := &cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a setting from the user or workspace layer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layer, err := persistentLayer(layerName)
			if err != nil {
				return err
			}
			return env.withRuntime(cmd, func(_ context.Context, rt *app.Runtime) error {
				return rt.Config().Remove(args[0], layer)
			})
		},
	}
	cmd.Flags().StringVarP(&layerName, "layer", "l", config.LayerUser.String(), "target layer: user or workspace")
	return cmd
}

func newConfigListCmd(env *environment) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every setting with its effective value and source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return env.withRuntime(cmd, func(_ context.Context, rt *app.Runtime) error {
				settings := presentation.FromEntries(rt.Config().Entries())
				f := presentation.NewFormatter(cmd.OutOrStdout())
				if asJSON {
					return f.FormatJSON(settings)
				}
				return f.FormatSettings(settings)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
