package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/proctrace/proctrace/shared/logger"
	"github.com/proctrace/proctrace/shared/version"
)

type cmdGlobal struct {
	cmd *cobra.Command
	ret int

	flagHelp       bool
	flagLogDebug   bool
	flagLogVerbose bool
	flagVersion    bool
}

func main() {
	// Setup the parser.
	app := &cobra.Command{}
	app.Use = "proctrace"
	app.Short = "System-wide process execution observer"
	app.Long = `Description:
  System-wide process execution observer

  proctrace captures every execve and execveat invocation on the host (or
  in a process tree) and reconstructs the full arguments of each call:
  program, argv, environment, inherited file descriptors with resolved
  paths, working directory and return status.`
	app.SilenceUsage = true
	app.SilenceErrors = true
	app.CompletionOptions = cobra.CompletionOptions{HiddenDefaultCmd: true}

	// Global flags.
	globalCmd := cmdGlobal{cmd: app}
	app.PersistentFlags().BoolVar(&globalCmd.flagVersion, "version", false, "Print version number")
	app.PersistentFlags().BoolVarP(&globalCmd.flagHelp, "help", "h", false, "Print help")
	app.PersistentFlags().BoolVar(&globalCmd.flagLogDebug, "debug", false, "Show all debug messages")
	app.PersistentFlags().BoolVarP(&globalCmd.flagLogVerbose, "verbose", "v", false, "Show all information messages")

	// Wrappers.
	app.PersistentPreRunE = globalCmd.preRun

	// Version handling.
	app.SetVersionTemplate("{{.Version}}\n")
	app.Version = version.Version

	// trace sub-command.
	traceCmd := cmdTrace{global: &globalCmd}
	app.AddCommand(traceCmd.command())

	// Deal with --version flag.
	app.Args = cobra.ArbitraryArgs
	app.Run = func(cmd *cobra.Command, args []string) {
		if globalCmd.flagVersion {
			fmt.Println(version.Version)
			return
		}

		_ = cmd.Help()
	}

	// Run the main command and handle errors.
	err := app.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	os.Exit(globalCmd.ret)
}

func (c *cmdGlobal) preRun(cmd *cobra.Command, args []string) error {
	return logger.InitLogger(c.flagLogVerbose, c.flagLogDebug)
}
