package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/muesli/reflow/truncate"
	"github.com/spf13/cobra"

	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/internal/toolfilter"
	"github.com/yukin371/quill/internal/tools"
	"github.com/yukin371/quill/internal/validator"
	"github.com/yukin371/quill/pkg/logger"
)

var (
	toolsProvider      string
	toolsContextWindow int
	toolsQuery         string
	toolsJSON          bool
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect the tool catalog",
}

// toolsListCmd shows what a provider would be offered
var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tools offered to a provider",
	Args:  cobra.NoArgs,
	RunE:  runToolsList,
}

// toolsValidateCmd checks every tool against a provider's rules
var toolsValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check tool definitions against a provider's constraints",
	Args:  cobra.NoArgs,
	RunE:  runToolsValidate,
}

func init() {
	toolsListCmd.Flags().StringVarP(&toolsProvider, "provider", "p", "", "filter for this provider")
	toolsListCmd.Flags().IntVar(&toolsContextWindow, "context-window", 0, "model context window in tokens")
	toolsListCmd.Flags().StringVarP(&toolsQuery, "query", "q", "", "user message used to rank tools")
	toolsListCmd.Flags().BoolVar(&toolsJSON, "json", false, "print the definitions as JSON")

	toolsValidateCmd.Flags().StringVarP(&toolsProvider, "provider", "p", "", "provider whose rules apply")
	_ = toolsValidateCmd.MarkFlagRequired("provider")

	toolsCmd.AddCommand(toolsListCmd)
	toolsCmd.AddCommand(toolsValidateCmd)
}

// catalog returns the definitions without opening the note store; only
// the schemas are needed.
func catalog() []core.Tool {
	return tools.NewDefaultToolBox(nil, tools.Options{}).Definitions()
}

func runToolsList(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(logger.WARN)
	if err != nil {
		return err
	}
	defs := catalog()
	if toolsProvider != "" {
		window := toolsContextWindow
		if window == 0 {
			window = cfg.Providers[toolsProvider].ContextWindow
		}
		filter := toolfilter.NewService(filterOptions(cfg), log)
		defs = filter.FilterToolsForProvider(toolfilter.Config{
			Provider:      toolsProvider,
			ContextWindow: window,
			Query:         toolsQuery,
		}, defs)
	}
	return printTools(cmd.OutOrStdout(), defs, toolsJSON)
}

func printTools(w io.Writer, defs []core.Tool, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}
	for _, t := range defs {
		desc := strings.SplitN(t.Function.Description, "\n", 2)[0]
		fmt.Fprintf(w, "%-22s %s\n", t.Function.Name, truncate.StringWithTail(desc, 70, "…"))
	}
	fmt.Fprintf(w, "\n%d tool(s), ~%d tokens\n", len(defs), toolfilter.EstimateTokens(defs))
	return nil
}

func runToolsValidate(cmd *cobra.Command, args []string) error {
	_, log, err := loadConfig(logger.WARN)
	if err != nil {
		return err
	}
	names, err := validator.New(log)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, t := range catalog() {
		res := names.ValidateTool(t, toolsProvider)
		if res.Valid {
			fmt.Fprintf(out, "ok    %s\n", t.Function.Name)
			continue
		}
		fix := names.FixToolForProvider(t, toolsProvider)
		status := "fixed"
		if !fix.Fixed {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(out, "%-5s %s\n", status, t.Function.Name)
		for _, w := range res.Warnings {
			fmt.Fprintf(out, "      warning: %s\n", w)
		}
		for _, m := range fix.Modifications {
			fmt.Fprintf(out, "      change:  %s\n", m)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d tool(s) cannot be used with %s", failed, toolsProvider)
	}
	return nil
}
