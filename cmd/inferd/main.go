package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ConfigPath string
}

// ValidateFlags holds flags for the validate command.
type ValidateFlags struct {
	InstallDir string
	EntryPoint string
}

// APIFlags holds daemon connection flags shared by remote commands.
type APIFlags struct {
	URL     string
	Timeout time.Duration
}

type StartFlags struct {
	API        APIFlags
	Name       string
	InstallDir string
	EntryPoint string
	Launcher   string
	Port       int
	Args       []string
}

type StopFlags struct {
	API   APIFlags
	Grace time.Duration
}

type SubmitFlags struct {
	API  APIFlags
	File string
	Wait bool
}

type JobFlags struct {
	API APIFlags
	ID  string
}

type FetchFlags struct {
	API  APIFlags
	ID   string
	Dest string
}

type MetricsFlags struct {
	Listen string
}

func buildRoot() *cobra.Command {
	cmds := command{}

	root := &cobra.Command{
		Use:   "inferd",
		Short: "Inference server lifecycle manager and workflow client",
		Long: `Inferd supervises a locally installed inference server: it validates the
installation, spawns and health-checks the process, captures its output and
submits workflows to it.

Examples:
  inferd serve --config /etc/inferd/inferd.toml
  inferd validate --install-dir /opt/ComfyUI
  inferd submit --file workflow.json --wait
  inferd status`,
	}

	root.AddCommand(
		createServeCommand(cmds),
		createValidateCommand(cmds),
		createStartCommand(cmds),
		createStatusCommand(cmds),
		createStopCommand(cmds),
		createSubmitCommand(cmds),
		createAwaitCommand(cmds),
		createFetchCommand(cmds),
		createLogsCommand(cmds),
		createMetricsCommand(cmds),
	)
	return root
}

func addAPIFlags(cmd *cobra.Command, flags *APIFlags) {
	cmd.Flags().StringVar(&flags.URL, "api-url", "", "daemon URL (default http://localhost:8989)")
	cmd.Flags().DurationVar(&flags.Timeout, "api-timeout", 10*time.Second, "request timeout")
}

func createServeCommand(c command) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: start the server and expose the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(flags)
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "inferd.toml", "path to TOML config file")
	return cmd
}

func createValidateCommand(c command) *cobra.Command {
	flags := &ValidateFlags{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that an installation directory can host the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Validate(flags)
		},
	}
	cmd.Flags().StringVar(&flags.InstallDir, "install-dir", "", "installation directory (required)")
	cmd.Flags().StringVar(&flags.EntryPoint, "entry-point", "", "entry point file (default main.py)")
	if err := cmd.MarkFlagRequired("install-dir"); err != nil {
		panic(err)
	}
	return cmd
}

func createStartCommand(c command) *cobra.Command {
	flags := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Ask a running daemon to launch the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(flags)
		},
	}
	cmd.Flags().StringVar(&flags.API.URL, "api-url", "", "daemon URL (default http://localhost:8989)")
	// start blocks until the server answers health checks, so the request
	// window has to cover the startup timeout
	cmd.Flags().DurationVar(&flags.API.Timeout, "api-timeout", 2*time.Minute, "request timeout")
	cmd.Flags().StringVar(&flags.Name, "name", "", "server name")
	cmd.Flags().StringVar(&flags.InstallDir, "install-dir", "", "installation directory (required)")
	cmd.Flags().StringVar(&flags.EntryPoint, "entry-point", "", "entry point file (default main.py)")
	cmd.Flags().StringVar(&flags.Launcher, "launcher", "", "interpreter/executable (discovered when empty)")
	cmd.Flags().IntVar(&flags.Port, "port", 8188, "port the server listens on")
	cmd.Flags().StringSliceVar(&flags.Args, "backend-arg", nil, "extra argument passed to the server (repeatable)")
	if err := cmd.MarkFlagRequired("install-dir"); err != nil {
		panic(err)
	}
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the managed server's state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createStopCommand(c command) *cobra.Command {
	flags := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the managed server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(flags)
		},
	}
	addAPIFlags(cmd, &flags.API)
	cmd.Flags().DurationVar(&flags.Grace, "grace", 0, "graceful shutdown window before SIGKILL")
	return cmd
}

func createSubmitCommand(c command) *cobra.Command {
	flags := &SubmitFlags{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a workflow JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Submit(flags)
		},
	}
	addAPIFlags(cmd, &flags.API)
	cmd.Flags().StringVar(&flags.File, "file", "", "workflow JSON file (required)")
	cmd.Flags().BoolVar(&flags.Wait, "wait", false, "block until the job finishes")
	if err := cmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}
	return cmd
}

func createAwaitCommand(c command) *cobra.Command {
	flags := &JobFlags{}
	cmd := &cobra.Command{
		Use:   "await",
		Short: "Wait for a submitted job to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Await(flags)
		},
	}
	addAPIFlags(cmd, &flags.API)
	cmd.Flags().StringVar(&flags.ID, "id", "", "job id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createFetchCommand(c command) *cobra.Command {
	flags := &FetchFlags{}
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download the artifact of a completed job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Fetch(flags)
		},
	}
	addAPIFlags(cmd, &flags.API)
	cmd.Flags().StringVar(&flags.ID, "id", "", "job id (required)")
	cmd.Flags().StringVar(&flags.Dest, "dest", "", "destination file (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("dest"); err != nil {
		panic(err)
	}
	return cmd
}

func createLogsCommand(c command) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recent captured server output",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createMetricsCommand(c command) *cobra.Command {
	flags := &MetricsFlags{}
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics standalone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Metrics(flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", ":9090", "listen address")
	return cmd
}
