package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AEtherlight-ai/lumina-sub000/internal/app"
	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
	"github.com/AEtherlight-ai/lumina-sub000/internal/paths"
)

var version = "dev"

// NewRootCmd builds the command tree. Each call returns independent
// commands and flag state.
func NewRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "lumina",
		Short:         "In-process service middleware runtime",
		Long:          `Runs the lumina middleware runtime and inspects its settings and service health.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "user settings file (default: <user config dir>/lumina/settings.yaml)")
	pf.StringP("workspace", "w", "", "workspace directory holding .lumina (default: current directory)")
	pf.String("log-file", "", "append logs to this file")
	pf.Bool("debug", false, "log at debug level")
	pf.StringArray("set", nil, "runtime setting override key=value (repeatable)")

	_ = v.BindPFlag("config", pf.Lookup("config"))
	_ = v.BindPFlag("workspace", pf.Lookup("workspace"))
	_ = v.BindPFlag("log_file", pf.Lookup("log-file"))
	_ = v.BindPFlag("debug", pf.Lookup("debug"))
	v.SetEnvPrefix(app.DefaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	env := &environment{v: v}
	root.AddCommand(
		newRunCmd(env),
		newStatusCmd(env),
		newConfigCmd(env),
	)
	return root
}

// environment resolves global flags into runtime options.
type environment struct {
	v       *viper.Viper
	cleanup func()
}

func (e *environment) options(cmd *cobra.Command, verbose bool) (app.Options, error) {
	userPath := e.v.GetString("config")
	if userPath == "" {
		var err error
		if userPath, err = paths.UserSettingsFile(); err != nil {
			return app.Options{}, err
		}
	}

	overrides := make(map[string]string)
	sets, _ := cmd.Flags().GetStringArray("set")
	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return app.Options{}, fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		overrides[key] = value
	}
	if _, ok := overrides["log.level"]; !ok && e.v.GetBool("debug") {
		overrides["log.level"] = "debug"
	}

	logger, err := e.logger(cmd, verbose)
	if err != nil {
		return app.Options{}, err
	}

	return app.Options{
		WorkspaceDir:     paths.ResolveWorkspaceDir(e.v.GetString("workspace")),
		UserSettingsPath: userPath,
		Overrides:        overrides,
		Logger:           logger,
	}, nil
}

// logger returns a file logger for --log-file, a stderr logger when
// verbose or --debug, and a silent one otherwise. The level follows the
// log.level setting.
func (e *environment) logger(cmd *cobra.Command, verbose bool) (log.Logger, error) {
	if path := e.v.GetString("log_file"); path != "" {
		cleanup, err := log.Init(path)
		if err != nil {
			return nil, fmt.Errorf("initializing logging: %w", err)
		}
		e.cleanup = cleanup
		return log.Default(), nil
	}
	if !verbose && !e.v.GetBool("debug") {
		return log.Nop(), nil
	}
	l := log.New(cmd.ErrOrStderr())
	log.SetDefault(l)
	e.cleanup = func() { log.SetDefault(nil) }
	return l, nil
}

func (e *environment) close() {
	if e.cleanup != nil {
		e.cleanup()
		e.cleanup = nil
	}
}

// withRuntime builds a runtime, runs fn and shuts the runtime down, which
// also waits for pending settings writes.
func (e *environment) withRuntime(cmd *cobra.Command, fn func(context.Context, *app.Runtime) error) error {
	opts, err := e.options(cmd, false)
	if err != nil {
		return err
	}
	defer e.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := app.New(ctx, opts)
	if err != nil {
		return err
	}
	runErr := fn(ctx, rt)
	if err := rt.Shutdown(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Execute runs the root command.
func Execute() error {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
}
