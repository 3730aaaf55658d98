// Command code-engine runs the sandboxed execution and analysis engine as an
// HTTP service, or one-shot from the command line.
//
//	code-engine serve --config engine.yaml
//	code-engine exec script.py --timeout 2s
//	git diff | code-engine diff
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sakif/code-engine/internal/executor/process"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "code-engine",
	Short: "Sandboxed code execution and static analysis engine.",
	Long: `code-engine runs untrusted code in resource-limited sandboxes and computes
complexity metrics, touched files and digests without running anything.

Without a subcommand it starts the HTTP server.`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to a YAML config file (default $CODEENGINE_CONFIG)")
	rootCmd.AddCommand(serveCmd, execCmd, analyzeCmd, diffCmd, transformCmd, tokenCmd, versionCmd)
}

// exitError carries a process exit status out of a subcommand.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	process.Init()

	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
