// Command datanode runs one data node process: the set of ServicePairs
// serving every namespace listed in its configuration file. Flag handling
// follows the teacher's cmd/telepresence/main.go in spirit: a cobra root
// command, explicit rejection of retired/unsupported flags, and a
// non-zero exit on any failure to start.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/avatarfs/datanode/pkg/daemon"
	"github.com/avatarfs/datanode/pkg/dnconfig"
	"github.com/avatarfs/datanode/pkg/errkind"
)

func main() {
	ctx := context.Background()
	cmd := rootCommand()
	// Accept the single-dash -rollback/-regular forms; pflag would otherwise
	// read them as the -r shorthand with an attached value.
	args := os.Args[1:]
	for i, a := range args {
		if a == "-rollback" || a == "-regular" {
			args[i] = "-" + a
		}
	}
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %v\n", cmd.CommandPath(), err)
		os.Exit(exitCodeFor(err))
	}
}

func rootCommand() *cobra.Command {
	var (
		rollback   bool
		regular    bool
		configPath string
		rack       string
	)

	cmd := &cobra.Command{
		Use:           "datanode",
		Short:         "run an avatarfs data node",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rack != "" {
				return fmt.Errorf("-r/--rack is no longer supported")
			}
			if rollback && regular {
				return fmt.Errorf("-rollback and -regular are mutually exclusive")
			}
			return run(cmd.Context(), configPath, startupMode(rollback))
		},
	}

	cmd.Flags().BoolVar(&rollback, "rollback", false, "start in ROLLBACK recovery mode")
	cmd.Flags().BoolVar(&regular, "regular", false, "start in REGULAR recovery mode (default)")
	cmd.Flags().StringVar(&configPath, "config", "/etc/avatarfs/datanode.properties", "path to the data node property file")
	cmd.Flags().StringVarP(&rack, "rack", "r", "", "unsupported; rejected if set")

	return cmd
}

func startupMode(rollback bool) dnconfig.StartupMode {
	if rollback {
		return dnconfig.StartupRollback
	}
	return dnconfig.StartupRegular
}

func run(ctx context.Context, configPath string, mode dnconfig.StartupMode) error {
	cfg, err := dnconfig.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Startup = mode

	env, err := dnconfig.LoadEnv(ctx)
	if err != nil {
		return err
	}

	d, err := daemon.New(env, cfg, configPath)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// exitCodeFor maps a top-level failure to a process exit code: fatal
// startup or layout-mismatch conditions exit non-zero, per spec.md §6.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if errkind.Of(err) == errkind.Interrupted {
		return 0
	}
	return 1
}
