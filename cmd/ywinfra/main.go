package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/youwol/ywinfra/internal/logging"
	"github.com/youwol/ywinfra/internal/version"
	"github.com/youwol/ywinfra/pkg/auth"
	"github.com/youwol/ywinfra/pkg/cluster"
	"github.com/youwol/ywinfra/pkg/daemon"
	"github.com/youwol/ywinfra/pkg/dynconfig"
	"github.com/youwol/ywinfra/pkg/history"
	"github.com/youwol/ywinfra/pkg/kube"
	"github.com/youwol/ywinfra/pkg/proxy"
	"github.com/youwol/ywinfra/pkg/script"
	"github.com/youwol/ywinfra/pkg/settings"
	"github.com/youwol/ywinfra/pkg/status"
	"go.uber.org/zap"
)

var (
	globalLogger   *zap.Logger
	globalSettings *settings.Settings
	settingsFile   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ywinfra",
		Short: "Operate the packages of a Kubernetes platform from a configuration script",
		Long: `ywinfra evaluates a configuration script declaring the Helm charts and
manifests of a platform, activates the referenced cluster context and serves
install, upgrade and status operations on the declared packages.

The server keeps one live configuration; switching to another script only
takes effect when it passes every validation check.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version.Version, version.GitCommit, version.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings.Load(settingsFile, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := logging.New(s.LogFormat, s.LogLevel)
			if err != nil {
				return err
			}
			globalSettings = s
			globalLogger = logger
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&settingsFile, "settings", "", "YAML settings file")
	settings.AddFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newSwitchCmd())
	rootCmd.AddCommand(newPackagesCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newInstallCmd())
	rootCmd.AddCommand(newUpgradeCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newVersionCmd())

	err := rootCmd.Execute()
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func client() *daemon.APIClient {
	return daemon.NewAPIClient(globalSettings.Addr)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load the starting configuration and serve the API",
		Long: `Load the starting configuration and serve the HTTP API.

The starting configuration is --conf, else yw_infra_config.star in the
working directory. The server does not start when it fails validation.

Examples:
  # Serve the configuration of the working directory
  ywinfra serve

  # Serve a given script, reloading it on change
  ywinfra serve --conf ./platform/dev.star --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := globalSettings
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			startPath, err := dynconfig.ResolveStartPath(s.Conf, wd)
			if err != nil {
				return err
			}

			var store *history.Store
			if s.HistoryDSN != "" {
				store, err = history.Open(s.HistoryDSN)
				if err != nil {
					return fmt.Errorf("failed to open operation history: %w", err)
				}
				defer store.Close()
			}

			kubeconfig := s.Kubeconfig
			if kubeconfig == "" {
				kubeconfig = kube.KubeconfigPath()
			}
			proxies := proxy.NewManager(kubeconfig, globalLogger)
			proxies.SetBinary(s.KubectlBinary)

			activator := dynconfig.NewClusterActivator(kubeconfig, proxies, cluster.NewProber(globalLogger), globalLogger)
			activator.ChartBackend = s.ChartBackend
			activator.HelmBinary = s.HelmBinary

			loader := dynconfig.NewLoader(script.NewEvaluator(globalLogger), activator, auth.NewTokenCache(globalLogger), globalLogger)
			env := dynconfig.NewEnvironment(loader, startPath, globalLogger)

			d := daemon.NewDaemon(daemon.Config{
				PIDFile:        s.PIDFile,
				APIAddr:        s.Addr,
				Watch:          s.Watch,
				StatusInterval: s.StatusInterval,
				StatusWebhook:  s.StatusWebhook,
			}, env, store, globalLogger)

			if err := d.Start(); err != nil {
				_ = env.Close()
				return err
			}

			st := d.GetStatus()
			fmt.Printf("✓ Serving %s on http://%s\n", st.ConfigPath, s.Addr)
			fmt.Printf("  Packages: %d\n", st.Packages)
			fmt.Printf("  Dashboard: %s\n", st.Dashboard)
			if st.Watching {
				fmt.Println("  Watching the configuration for changes")
			}
			fmt.Println("\nPress Ctrl+C to stop")

			return d.Wait()
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [path]",
		Short: "Validate a configuration script without activating it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalSettings.Conf
			if len(args) == 1 {
				path = args[0]
			}
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			if path, err = dynconfig.ResolveStartPath(path, wd); err != nil {
				return err
			}

			loader := dynconfig.NewLoader(script.NewEvaluator(globalLogger), nil, nil, globalLogger)
			cfg, st := loader.Validate(path)
			printChecks(st)
			if !st.Validated {
				return fmt.Errorf("%s is not a valid configuration", path)
			}
			fmt.Printf("\n%d package(s) declared for context %q\n", len(cfg.Packages), cfg.General.ContextName)
			return nil
		},
	}
}

func newSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <path>",
		Short: "Switch the server to another configuration script",
		Long: `Validate a configuration script on the server host and make it the live
configuration. When a check fails the server keeps its current configuration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client().Switch(args[0])
			if err != nil {
				return err
			}
			printChecks(st)
			if !st.Validated {
				return errors.New("switch rejected, the live configuration is unchanged")
			}
			fmt.Printf("\n✓ Switched to %s\n", st.Path)
			return nil
		},
	}
}

func newPackagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "packages",
		Short: "List the packages of the live configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Packages()
			if err != nil {
				return err
			}
			fmt.Printf("Configuration: %s\n", resp.ConfigPath)
			if len(resp.Packages) == 0 {
				fmt.Println("No packages declared")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAMESPACE\tNAME\tKIND")
			for _, p := range resp.Packages {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Namespace, p.Name, p.Kind)
			}
			return w.Flush()
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [namespace name]",
		Short: "Show the server status, or the status of packages",
		Long: `Without arguments, show the server status and the status of every declared
package. With a namespace and a name, show the status of that package.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no argument or <namespace> <name>, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if len(args) == 2 {
				s, err := c.PackageStatus(args[0], args[1])
				if err != nil {
					return err
				}
				printStatuses([]status.PackageStatus{*s})
				return nil
			}

			ds, err := daemon.GetDaemonStatus(globalSettings.PIDFile, globalSettings.Addr)
			if err != nil {
				return err
			}
			if !ds.Running {
				fmt.Println("ywinfra server is not running")
				return nil
			}
			fmt.Printf("Server PID %d, up %s\n", ds.PID, ds.Uptime)
			fmt.Printf("Configuration: %s\n", ds.ConfigPath)
			fmt.Printf("Kubernetes proxy: %s\n\n", ds.Proxy)

			statuses, err := c.Statuses()
			if err != nil {
				return err
			}
			printStatuses(statuses)
			return nil
		},
	}
}

func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <namespace> <name>",
		Short: "Install a declared package unless it is already installed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Install(args[0], args[1])
			if err != nil {
				return err
			}
			if res.Skipped {
				fmt.Printf("%s already installed\n", res.Package)
				return nil
			}
			fmt.Printf("✓ %s installed\n", res.Package)
			return nil
		},
	}
}

func newUpgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade <namespace> <name>",
		Short: "Upgrade a declared package",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Upgrade(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("✓ %s upgraded\n", res.Package)
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var (
		filter history.Filter
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded switches, installs and upgrades",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := client().History(filter)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			if len(records) == 0 {
				fmt.Println("No operations recorded")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tOPERATION\tTARGET\tSTATUS\tMESSAGE")
			for _, r := range records {
				msg := strings.SplitN(r.Message, "\n", 2)[0]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.StartedAt.Format("2006-01-02 15:04:05"), r.Operation, r.Target, r.Status, msg)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.Operation, "operation", "", "Only show switch, install or upgrade operations")
	cmd.Flags().StringVar(&filter.Target, "target", "", "Only show operations on a target (namespace/name or path)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "Maximum number of records")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if c.IsHealthy() {
				if err := c.Shutdown(); err == nil {
					fmt.Println("✓ Shutdown requested")
					return nil
				}
			}
			if err := daemon.StopDaemon(globalSettings.PIDFile); err != nil {
				return err
			}
			fmt.Println("✓ Server stopped")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ywinfra %s\n", version.Version)
			fmt.Printf("  commit: %s\n", version.GitCommit)
			fmt.Printf("  built:  %s\n", version.BuildDate)
		},
	}
}

func printChecks(st *dynconfig.LoadingStatus) {
	fmt.Printf("Configuration: %s\n", st.Path)
	for _, c := range st.Checks {
		switch {
		case c.Status.IsPassed():
			fmt.Printf("  ✓ %s\n", c.Name)
		case c.Status.IsPending():
			fmt.Printf("  - %s (not run)\n", c.Name)
		default:
			e := c.Status.Error()
			fmt.Printf("  ✗ %s %s\n", c.Name, e.Reason)
			for _, h := range e.Hints {
				fmt.Printf("      %s\n", h)
			}
		}
	}
}

func printStatuses(statuses []status.PackageStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAMESPACE\tNAME\tKIND\tINSTALLED\tSANITY\tPENDING")
	for _, s := range statuses {
		sanity := "-"
		if s.Sanity != nil {
			sanity = string(*s.Sanity)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%v\n", s.Namespace, s.Name, s.Kind, s.Installed, sanity, s.Pending)
	}
	_ = w.Flush()
}
