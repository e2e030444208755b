// Command bleepstore-meta exports and imports the SQLite metadata catalog
// as a JSON document, for backups and migrations between deployments.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bleepstore/bleepstore/internal/serialization"
)

// resolveDBPath pulls metadata.sqlite_path out of a config file without
// dragging in the full config loader; a missing file or section falls back
// to the default path.
func resolveDBPath(configPath string) string {
	const fallback = "./data/metadata.db"

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fallback
	}
	var raw struct {
		Metadata struct {
			SQLitePath string `yaml:"sqlite_path"`
		} `yaml:"metadata"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil || raw.Metadata.SQLitePath == "" {
		return fallback
	}
	return raw.Metadata.SQLitePath
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: bleepstore-meta <export|import> [flags]")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "import":
		os.Exit(runImport(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\nUsage: bleepstore-meta <export|import> [flags]\n", os.Args[1])
		os.Exit(1)
	}
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "bleepstore.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	tables := fs.String("tables", "", "Comma-separated table names (default: all)")
	includeCreds := fs.Bool("include-credentials", false, "Include real secret keys instead of redacting them")
	fs.Parse(args)

	db := *dbPath
	if db == "" {
		db = resolveDBPath(*configPath)
	}

	opts := serialization.ExportOptions{IncludeCredentials: *includeCreds}
	if *tables != "" {
		valid := make(map[string]bool)
		for _, t := range serialization.AllTables() {
			valid[t] = true
		}
		for _, t := range strings.Split(*tables, ",") {
			t = strings.TrimSpace(t)
			if !valid[t] {
				fmt.Fprintf(os.Stderr, "Error: invalid table name: %s\n", t)
				return 1
			}
			opts.Tables = append(opts.Tables, t)
		}
	}

	doc, err := serialization.Export(db, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Println(string(doc))
		return 0
	}
	if err := os.WriteFile(*output, append(doc, '\n'), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "bleepstore.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Clear each imported table first instead of merging")
	fs.Parse(args)

	db := *dbPath
	if db == "" {
		db = resolveDBPath(*configPath)
	}

	var doc []byte
	var err error
	if *input == "-" {
		doc, err = io.ReadAll(os.Stdin)
	} else {
		doc, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	result, err := serialization.Import(db, doc, serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	for _, table := range serialization.AllTables() {
		count, ok := result.Inserted[table]
		if !ok {
			continue
		}
		msg := fmt.Sprintf("  %s: %d imported", table, count)
		if skip := result.Skipped[table]; skip > 0 {
			msg += fmt.Sprintf(", %d skipped", skip)
		}
		fmt.Fprintln(os.Stderr, msg)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}
