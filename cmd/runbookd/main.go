// Package main provides the runbookd CLI entrypoint.
// This is a thin wrapper over pkg/kernel/service — the kernel CLI has
// five operation verbs, plus version:
//
//	runbookd list
//	runbookd get <file>
//	runbookd required-env <file>
//	runbookd validate <file>
//	runbookd execute <file> [--var key=value]...
//	runbookd version
//
// HTTP transport, JWT verification, rate limiting, metrics, and API
// docs are out of scope here (spec.md §1) and are not part of this
// repository.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/runbookhq/runbookd/config"
	runbooklog "github.com/runbookhq/runbookd/pkg/kernel/log"
	"github.com/runbookhq/runbookd/pkg/kernel/service"
	"github.com/runbookhq/runbookd/pkg/kernel/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	subject    string
	roles      []string
	execVars   []string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "runbookd",
	Short: "Runbook execution engine — inspect, validate, and run operational runbooks",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "runbookd.yaml", "path to the runbookd config file")
	rootCmd.PersistentFlags().StringVar(&subject, "subject", "local-cli", "principal subject recorded on the breadcrumb")
	rootCmd.PersistentFlags().StringSliceVar(&roles, "roles", nil, "roles claim held by the caller, for local testing of Required Claims")

	execCmd.Flags().StringArrayVar(&execVars, "var", nil, "env_vars entry as key=value (repeatable)")

	rootCmd.AddCommand(listCmd, getCmd, requiredEnvCmd, validateCmd, execCmd, versionCmd)
}

func buildService() (*service.Service, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := runbooklog.New(false)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return service.New(cfg, logger), nil
}

func callerToken() types.TokenContext {
	return types.TokenContext{
		Subject:   subject,
		Claims:    types.ClaimSet{"roles": roles},
		RawBearer: "cli-local",
	}
}

func callerBreadcrumb() types.Breadcrumb {
	return types.Breadcrumb{
		ReceivedAt:    time.Now().UTC(),
		UserID:        subject,
		CorrelationID: uuid.NewString(),
	}
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List runbook filenames in the runbooks directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildService()
		if err != nil {
			return err
		}
		names, err := svc.List()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

// --- get ---

var getCmd = &cobra.Command{
	Use:   "get [runbook.md]",
	Short: "Print a runbook's raw text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildService()
		if err != nil {
			return err
		}
		text, err := svc.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Print(renderMarkdown(text))
		return nil
	},
}

// --- required-env ---

var requiredEnvCmd = &cobra.Command{
	Use:   "required-env [runbook.md]",
	Short: "List the environment variables a runbook declares",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildService()
		if err != nil {
			return err
		}
		vars, err := svc.RequiredEnv(args[0])
		if err != nil {
			return err
		}
		for _, v := range vars {
			if v.Description != "" {
				fmt.Printf("%s\t%s\n", v.Name, v.Description)
			} else {
				fmt.Println(v.Name)
			}
		}
		return nil
	},
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [runbook.md]",
	Short: "Validate a runbook without executing its script",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildService()
		if err != nil {
			return err
		}
		rec, err := svc.Validate(args[0], callerToken(), callerBreadcrumb())
		if err != nil {
			return err
		}
		printRecord(rec)
		if !rec.Success {
			os.Exit(1)
		}
		return nil
	},
}

// --- execute ---

var execCmd = &cobra.Command{
	Use:   "execute [runbook.md]",
	Short: "Validate and execute a runbook's script",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildService()
		if err != nil {
			return err
		}
		vars, err := parseVars(execVars)
		if err != nil {
			return err
		}
		rec, err := svc.Execute(args[0], callerToken(), callerBreadcrumb(), vars)
		if err != nil {
			return err
		}
		printRecord(rec)
		if !rec.Success {
			os.Exit(1)
		}
		return nil
	},
}

func parseVars(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", kv)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

func printRecord(rec types.ExecutionRecord) {
	fmt.Printf("return_code: %d  success: %t\n", rec.ReturnCode, rec.Success)
	if rec.Stdout != "" {
		fmt.Println("--- stdout ---")
		fmt.Println(rec.Stdout)
	}
	if rec.Stderr != "" {
		fmt.Println("--- stderr ---")
		fmt.Println(rec.Stderr)
	}
	for _, e := range rec.Errors {
		fmt.Fprintf(os.Stderr, "error: %s\n", e)
	}
	for _, w := range rec.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("runbookd %s (%s)\n", version, commit)
	},
}

// renderMarkdown renders markdown through glamour when attached to a
// terminal, falling back to raw text otherwise (same fallback shape the
// teacher's TUI markdown renderer uses).
func renderMarkdown(md string) string {
	if fi, err := os.Stdout.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return md
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}
