package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sakif/code-engine/internal/analyzer"
	"github.com/sakif/code-engine/internal/auth"
	"github.com/sakif/code-engine/internal/config"
	"github.com/sakif/code-engine/internal/diffparse"
	"github.com/sakif/code-engine/internal/executor"
	"github.com/sakif/code-engine/internal/logging"
	"github.com/sakif/code-engine/internal/transform"
)

var (
	execTimeout time.Duration
	execRuntime string

	analyzeLanguage  string
	analyzeBreakdown bool

	transformAlgorithm  string
	transformChunkSize  int
	transformDecompress bool

	tokenTTL time.Duration
)

func init() {
	execCmd.Flags().DurationVarP(&execTimeout, "timeout", "t", 0, "wall-clock timeout (default sandbox.default_timeout)")
	execCmd.Flags().StringVarP(&execRuntime, "runtime", "r", "", "interpreter to run the code with (default python3)")

	analyzeCmd.Flags().StringVarP(&analyzeLanguage, "language", "l", "", "language of the source (default python)")
	analyzeCmd.Flags().BoolVar(&analyzeBreakdown, "breakdown", false, "include per-function complexity")

	transformCmd.Flags().StringVarP(&transformAlgorithm, "algorithm", "a", transform.DefaultAlgorithm, "blake2b, xxhash or snappy")
	transformCmd.Flags().IntVar(&transformChunkSize, "chunk-size", 0, "print one xxHash64 fingerprint per chunk of this size instead")
	transformCmd.Flags().BoolVarP(&transformDecompress, "decompress", "d", false, "decode snappy input")

	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default auth.token_ttl)")
}

var execCmd = &cobra.Command{
	Use:   "exec [file|-]",
	Short: "Run code once in the configured sandbox and print the result as JSON",
	Long: `Run code once in the configured sandbox and print the result as JSON.

The exit status is 0 when the code succeeded, the code's own exit code when
it failed, and 124 or 137 when it was stopped by a timeout or a limit.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	code, err := readInput(cmd, args)
	if err != nil {
		return err
	}

	// stdout carries the result; logs go to stderr
	logger := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	sup, cleanup, err := newSandbox(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	timeout := execTimeout
	if timeout <= 0 {
		timeout = cfg.Sandbox.DefaultTimeout
	}
	res, err := sup.Execute(cmd.Context(), executor.ExecutionRequest{
		Code:      string(code),
		TimeoutMs: timeout.Milliseconds(),
		Runtime:   execRuntime,
	})

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = sup.Close(closeCtx)

	if res != nil {
		if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if !res.Success {
		return exitError{code: max(res.ExitCode, 1)}
	}
	return nil
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [file|-]",
	Short: "Print complexity metrics of a source file as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := readInput(cmd, args)
		if err != nil {
			return err
		}
		res := analyzer.Analyze(analyzer.AnalysisRequest{
			Code:      string(code),
			Language:  analyzeLanguage,
			Breakdown: analyzeBreakdown,
		})
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff [file|-]",
	Short: "List the files a unified diff touches, one per line",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		diff, err := readInput(cmd, args)
		if err != nil {
			return err
		}
		for _, file := range diffparse.ParseDiff(string(diff)) {
			fmt.Fprintln(cmd.OutOrStdout(), file)
		}
		return nil
	},
}

var transformCmd = &cobra.Command{
	Use:   "transform [file|-]",
	Short: "Digest, fingerprint or snappy-compress data",
	Long: `Digest, fingerprint or snappy-compress data.

Digests are printed as hex. Snappy output is written raw, so redirect it to a
file; --decompress reverses it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		switch {
		case transformDecompress:
			raw, err := transform.Decompress(data)
			if err != nil {
				return err
			}
			_, err = out.Write(raw)
			return err
		case transformChunkSize != 0:
			fps, err := transform.Fingerprints(data, transformChunkSize)
			if err != nil {
				return err
			}
			for _, fp := range fps {
				fmt.Fprintf(out, "%016x\n", fp)
			}
			return nil
		}

		res, err := transform.Apply(transformAlgorithm, data)
		if err != nil {
			return err
		}
		if transformAlgorithm == transform.AlgorithmSnappy {
			_, err = out.Write(res)
			return err
		}
		_, err = fmt.Fprintln(out, hex.EncodeToString(res))
		return err
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <client-id>",
	Short: "Issue an API bearer token signed with auth.jwt_secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is not configured")
		}
		tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}

		var token string
		if tokenTTL > 0 {
			token, err = tokens.GenerateWithDuration(args[0], tokenTTL)
		} else {
			token, err = tokens.Generate(args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

// readInput reads the named file, or stdin when the name is "-" or missing.
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
