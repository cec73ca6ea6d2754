package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/edgevisor"
	"github.com/loykin/edgevisor/pkg/client"
)

func main() {
	root := buildRoot(command{out: os.Stdout})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires every subcommand to c.
func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}

	root := createRootCommand(globalFlags, apiFlags)
	root.AddCommand(
		createRunCommand(c, globalFlags),
		createValidateCommand(c, globalFlags),
		createStatusCommand(c, apiFlags),
		createHealthCommand(c, apiFlags),
		createActionCommand(c, apiFlags, edgevisor.ActionStart, "Start a service and the dependencies it needs"),
		createActionCommand(c, apiFlags, edgevisor.ActionStop, "Stop a service"),
		createActionCommand(c, apiFlags, edgevisor.ActionRestart, "Restart a service with a fresh restart budget"),
	)
	return root
}

func createRootCommand(flags *GlobalFlags, api *APIFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "edgevisor",
		Short: "Local service supervisor",
		Long: `Edgevisor starts a fixed set of local services in dependency order,
hands each one a port and an auth token, watches their health endpoints
and restarts them within a bounded budget.

Examples:
  edgevisor run --config edgevisor.toml     # supervise in the foreground
  edgevisor validate --config edgevisor.toml
  edgevisor status                          # ask the running daemon
  edgevisor restart auth --api-url=http://127.0.0.1:9190/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "edgevisor.toml", "path to the config file (TOML, YAML or JSON)")
	root.PersistentFlags().StringVar(&api.APIUrl, "api-url", client.DefaultBaseURL, "base URL of the edgevisor API")
	root.PersistentFlags().DurationVar(&api.APITimeout, "api-timeout", client.DefaultTimeout, "timeout for API requests")
	root.PersistentFlags().StringVar(&api.CACert, "ca-cert", "", "CA certificate for an HTTPS API")
	root.PersistentFlags().BoolVar(&api.Insecure, "insecure", false, "skip TLS certificate verification")
	return root
}

func createRunCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run [config]",
		Short: "Start all services and supervise them until interrupted",
		Long: `Run loads the config, starts every service level by level and keeps
them supervised. SIGINT or SIGTERM stops all services and exits.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				flags.ConfigPath = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.run(ctx, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "override the configured log level")
	return cmd
}

func createValidateCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config]",
		Short: "Check a config file and print the startup order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := ValidateFlags{ConfigPath: globalFlags.ConfigPath}
			if len(args) > 0 {
				f.ConfigPath = args[0]
			}
			return c.validate(f)
		},
	}
}

func createStatusCommand(c command, api *APIFlags) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [name]",
		Short: "Show the status of all services or of one service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				flags.Name = args[0]
			}
			return c.status(contextOf(cmd), *api, *flags)
		},
	}
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func createHealthCommand(c command, api *APIFlags) *cobra.Command {
	flags := &HealthFlags{}
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe every running service; exits non-zero when unhealthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.health(contextOf(cmd), *api, *flags)
		},
	}
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func createActionCommand(c command, api *APIFlags, action edgevisor.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action.String() + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.action(contextOf(cmd), *api, action, args[0])
		},
	}
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
