package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"market-structure-lab/internal/config"
	"market-structure-lab/internal/orchestrator"
	"market-structure-lab/internal/reporting"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to TOML config file (defaults apply when empty)")
	format := flag.String("format", "markdown", "Output format: csv or markdown")
	outputDir := flag.String("output-dir", "", "Write files to this directory instead of stdout")
	symbols := flag.String("symbol", "", "Comma-separated symbols, overrides market.symbols")
	backend := flag.String("backend", "", "Storage backend, overrides storage.backend")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *symbols != "" {
		cfg.Market.Symbols = strings.Split(*symbols, ",")
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	store, err := orchestrator.OpenBackend(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening backend: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	report, err := reporting.NewGenerator(store.Extrema, store.Levels).
		Generate(ctx, cfg.StreamKeys(), cfg.BookKeys())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating report: %v\n", err)
		os.Exit(1)
	}

	outputs, err := render(report, *format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error rendering report: %v\n", err)
		os.Exit(1)
	}

	if *outputDir == "" {
		for _, o := range outputs {
			fmt.Print(o.body)
		}
		return
	}

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output dir: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Report generated successfully:")
	for _, o := range outputs {
		path := filepath.Join(*outputDir, o.name)
		if err := os.WriteFile(path, []byte(o.body), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("  - %s\n", path)
	}
}

type output struct {
	name string
	body string
}

func render(report *reporting.Report, format string) ([]output, error) {
	switch format {
	case "markdown", "md":
		return []output{{name: "REPORT.md", body: reporting.RenderMarkdown(report)}}, nil
	case "csv":
		extrema, err := reporting.RenderExtremaCSV(report)
		if err != nil {
			return nil, err
		}
		levels, err := reporting.RenderLevelsCSV(report)
		if err != nil {
			return nil, err
		}
		return []output{
			{name: "EXTREMA.csv", body: extrema},
			{name: "LEVELS.csv", body: levels},
		}, nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
