package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/nugget/toolrelay/internal/agent"
)

var (
	toolStyle    = color.New(color.FgCyan).SprintFunc()
	successStyle = color.New(color.FgGreen).SprintFunc()
	failStyle    = color.New(color.FgRed).SprintFunc()
	dimStyle     = color.New(color.Faint).SprintFunc()
)

// runAsk answers one question with the configured model and providers.
// Tool progress goes to stderr; the answer goes to stdout. No history
// is kept.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, question string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	agg := openAggregator(cfg, logger)
	defer agg.Close()

	loop := agent.NewLoop(createLLMClient(cfg, logger), agg, nil, nil,
		agent.Config{SystemPrompt: cfg.LLM.SystemPrompt, MaxIterations: cfg.Agent.MaxIterations}, logger)

	emit := progressPrinter(stderr)
	if opts.outputFmt == "json" {
		emit = nil
	}

	res, err := loop.Run(ctx, &agent.Request{ConversationID: "cli", Message: question}, emit)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintln(stdout, res.Text)
	return nil
}

// progressPrinter renders tool events as they happen.
func progressPrinter(w io.Writer) func(agent.Event) {
	return func(e agent.Event) {
		switch e.Kind {
		case agent.EventToolExecuting:
			fmt.Fprintf(w, "%s %s(%s)\n", dimStyle(fmt.Sprintf("[%d]", e.Iteration)), toolStyle(e.Tool), formatArgs(e.Arguments))
		case agent.EventToolResult:
			if e.Error != "" {
				fmt.Fprintf(w, "    %s %s\n", failStyle("✗"), truncate(e.Error, 120))
				return
			}
			fmt.Fprintf(w, "    %s %s\n", successStyle("✓"), truncate(e.Result, 120))
		}
	}
}

func formatArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, _ := json.Marshal(args[k])
		parts = append(parts, k+"="+string(v))
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
