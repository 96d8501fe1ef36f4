// Package main is the entry point for snowbunny-state, the upload state
// export/import tool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/joho/godotenv"

	"github.com/schester44/Snow-Bunny/internal/config"
	"github.com/schester44/Snow-Bunny/internal/logging"
	"github.com/schester44/Snow-Bunny/internal/serialization"
	"github.com/schester44/Snow-Bunny/internal/state"
)

const usage = "Usage: snowbunny-state <export|import> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "import":
		os.Exit(runImport(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}

// storeFlags are shared by both subcommands.
type storeFlags struct {
	configPath *string
	db         *string
	engine     *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		configPath: fs.String("config", "snowbunny.yaml", "Config file path"),
		db:         fs.String("db", "", "State file base name (overrides config)"),
		engine:     fs.String("state-engine", "", "State engine (overrides config)"),
	}
}

// open loads the config and opens the selected state store.
func (f storeFlags) open(ctx context.Context) (state.Store, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		return nil, err
	}
	if *f.db != "" {
		cfg.State.Path = *f.db
	}
	if *f.engine != "" {
		cfg.State.Engine = *f.engine
	}
	cfg.ApplyEnv(os.Getenv)
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if !slices.Contains(config.Engines, cfg.State.Engine) {
		return nil, fmt.Errorf("unknown state engine %q", cfg.State.Engine)
	}
	return state.Open(ctx, cfg, cfg.AWSOptions())
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	sf := addStoreFlags(fs)
	output := fs.String("output", "-", "Output file path (- for stdout)")
	fs.Parse(args)

	ctx := context.Background()
	store, err := sf.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening state store: %v\n", err)
		return 1
	}
	defer store.Close()

	var w io.Writer = os.Stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating output: %v\n", err)
			return 1
		}
		defer f.Close()
		w = f
	}

	doc, err := serialization.WriteDocument(ctx, store, w)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}
	if *output != "-" {
		fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	}
	fmt.Fprintf(os.Stderr, "  uploaded: %d\n  pending: %d\n  total uploaded: %d\n",
		len(doc.FilesUploaded), len(doc.FilesToUpload), doc.TotalUploaded)
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	sf := addStoreFlags(fs)
	input := fs.String("input", "-", "Input file path (- for stdin)")
	keepCounter := fs.Bool("keep-counter", true, "Carry the document's totalUploaded over when it is larger")
	fs.Parse(args)

	var r io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			return 1
		}
		defer f.Close()
		r = f
	}
	doc, err := serialization.ReadDocument(r)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, err := sf.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening state store: %v\n", err)
		return 1
	}
	defer store.Close()

	result, err := serialization.Import(ctx, store, doc, &serialization.ImportOptions{KeepCounter: *keepCounter})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "  uploaded: %d imported", result.Records)
	if result.Skipped > 0 {
		fmt.Fprintf(os.Stderr, ", %d skipped", result.Skipped)
	}
	fmt.Fprintf(os.Stderr, "\n  pending: %d loaded, %d duplicates, %d already uploaded\n",
		result.Pending.Added, result.Pending.Duplicates, result.Pending.AlreadyUploaded)
	fmt.Fprintf(os.Stderr, "  total uploaded: %d\n", result.TotalUploaded)
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}
