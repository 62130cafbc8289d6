package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/cluster"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/driver"
	"github.com/cuemby/burrow/pkg/location"
	"github.com/cuemby/burrow/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded by the root command before any subcommand runs.
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - run groups of test containers on Kubernetes",
	Long: `Burrow deploys groups of containers into an isolated namespace of a
Kubernetes cluster, tracks their addresses and watches them for crashes.

These commands inspect and clean up what test runs left behind.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if ns, _ := cmd.Flags().GetString("namespace"); ns != "" {
			loaded.Namespace = ns
		}
		if kc, _ := cmd.Flags().GetString("kubeconfig"); kc != "" {
			loaded.Kubeconfig = kc
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			loaded.Log.Level = level
		}
		if cmd.Flags().Changed("json") {
			loaded.Log.JSON, _ = cmd.Flags().GetBool("json")
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		log.Init(loaded.LogConfig())
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringP("namespace", "n", "", "Namespace to operate on")
	rootCmd.PersistentFlags().String("kubeconfig", "", "Path to a kubeconfig file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("json", false, "Log in JSON")

	rootCmd.AddCommand(locationsCmd)
	rootCmd.AddCommand(namespaceCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(runCmd)
}

func connect() (*cluster.Connection, error) {
	return cluster.Connect(cfg.ClusterOptions())
}

func newDriver() (*driver.Driver, error) {
	conn, err := connect()
	if err != nil {
		return nil, err
	}
	return driver.New(conn, cfg.DriverConfig())
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var locationsCmd = &cobra.Command{
	Use:   "locations",
	Short: "List the locations pods can be placed at",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := connect()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		locs, err := location.NewResolver(conn).Available(ctx)
		if err != nil {
			return err
		}
		for i, l := range locs {
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", i, l.Value)
		}
		return nil
	},
}

// Namespace commands
var namespaceCmd = &cobra.Command{
	Use:   "namespace",
	Short: "Manage test namespaces",
}

var namespaceDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the namespace, or every namespace starting with --prefix",
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetString("prefix")
		d, err := newDriver()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		if prefix != "" {
			if err := d.DeleteAllNamespacesStartingWith(ctx, prefix); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Namespaces starting with %q deleted\n", prefix)
			return nil
		}
		if err := d.DeleteNamespace(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Namespace %s deleted\n", d.Namespace())
		return nil
	},
}

func init() {
	namespaceCmd.AddCommand(namespaceDeleteCmd)
	namespaceDeleteCmd.Flags().String("prefix", "", "Delete every namespace whose name starts with this prefix")
}

var logsCmd = &cobra.Command{
	Use:   "logs POD CONTAINER",
	Short: "Print the log of a container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, _ := cmd.Flags().GetInt64("tail")
		previous, _ := cmd.Flags().GetBool("previous")
		d, err := newDriver()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		opts := driver.LogOptions{Previous: previous}
		if tail > 0 {
			opts.TailLines = &tail
		}
		out := cmd.OutOrStdout()
		h := &driver.PodHandle{Namespace: d.Namespace(), PodName: args[0]}
		return d.DownloadPodLog(ctx, h, args[1], func(line string) {
			fmt.Fprintln(out, line)
		}, opts)
	},
}

func init() {
	logsCmd.Flags().Int64("tail", 0, "Only print the last N lines")
	logsCmd.Flags().Bool("previous", false, "Print the log of the instance before the last restart")
}

var execCmd = &cobra.Command{
	Use:   "exec POD CONTAINER -- COMMAND [ARGS...]",
	Short: "Run a command in a container",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		h := &driver.PodHandle{Namespace: d.Namespace(), PodName: args[0]}
		res, err := d.Execute(ctx, h, args[1], args[2], args[3:]...)
		fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
		fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
		return err
	},
}
