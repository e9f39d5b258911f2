// Command resolver is the CLI surface for the supplier registry
// resolution pipeline: build the registry store from SIRENE exports,
// run the matcher sequentially or in parallel, or run the unified
// pipeline that routes each row to the domestic matcher or the
// web-search oracle. Grounded in the teacher's flag-based single-
// purpose CLI (cmd/ingest/main.go), generalized into subcommands the
// way the original pipeline's run.py shapes its argparse subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/mouadarif/siret-resolver/internal/builder"
	"github.com/mouadarif/siret-resolver/internal/checkpoint"
	"github.com/mouadarif/siret-resolver/internal/config"
	"github.com/mouadarif/siret-resolver/internal/ingest"
	"github.com/mouadarif/siret-resolver/internal/matcher"
	"github.com/mouadarif/siret-resolver/internal/models"
	"github.com/mouadarif/siret-resolver/internal/oracle"
	"github.com/mouadarif/siret-resolver/internal/pool"
	"github.com/mouadarif/siret-resolver/internal/registry"
	"github.com/mouadarif/siret-resolver/internal/websearch"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "build":
		err = runBuild(os.Args[2:])
	case "run":
		err = runSequential(os.Args[2:])
	case "run-parallel":
		err = runParallel(os.Args[2:])
	case "run-unified":
		err = runUnified(os.Args[2:])
	case "help", "-h", "--help":
		printHelp()
		return
	default:
		fmt.Fprintf(os.Stderr, "resolver: unknown verb %q\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("[resolver] %v", err)
	}
}

func printHelp() {
	fmt.Println(`resolver - resolve suppliers against a business registry

Usage:
  resolver build         --companies=FILE --establishments=FILE --out=DIR [--force] [--sample=N]
  resolver run           --input=FILE --registry=DIR --checkpoint=FILE --out=FILE [--limit=N] [--retry-errors]
  resolver run-parallel  --input=FILE --registry=DIR --checkpoint=FILE --out=FILE [--workers=N] [--batch=N] [--limit=N] [--retry-errors]
  resolver run-unified   --input=FILE --registry=DIR --checkpoint=FILE --out=FILE --domestic=FR [--workers=N] [--batch=N] [--limit=N] [--retry-errors]
  resolver help`)
}

func registryLayout(dir string) registry.Layout {
	return registry.Layout{
		CompaniesDB:   dir + "/companies.sqlite",
		PartitionsDir: dir + "/etablissements",
	}
}

func runBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	companies := fs.String("companies", "", "path to the companies (unite legale) CSV export")
	establishments := fs.String("establishments", "", "path to the establishments CSV export")
	out := fs.String("out", "registry", "directory to write the registry store into")
	force := fs.Bool("force", false, "force a full rebuild even if the registry store already exists")
	sample := fs.Int("sample", 0, "sample the first N row groups of establishments (0 = full build)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *companies == "" || *establishments == "" {
		return fmt.Errorf("build: --companies and --establishments are required")
	}
	return builder.Build(builder.Options{
		CompaniesCSV:      *companies,
		EstablishmentsCSV: *establishments,
		Layout:            registryLayout(*out),
		ForceRebuild:      *force,
		SampleRowGroups:   *sample,
	})
}

func runSequential(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	input := fs.String("input", "", "supplier input file (.xlsx or .csv)")
	registryDir := fs.String("registry", "registry", "registry store directory")
	checkpointPath := fs.String("checkpoint", "checkpoint.sqlite", "checkpoint database path")
	outPath := fs.String("out", "report.csv", "output report CSV path")
	_ = fs.Int("workers", 1, "accepted for parity with run-parallel; ignored (no worker pool)")
	_ = fs.Int("batch", 200, "accepted for parity with run-parallel; ignored (no worker pool)")
	limit := fs.Int("limit", 0, "process at most N rows (0 = all)")
	retryErrors := fs.Bool("retry-errors", false, "re-process rows that previously errored")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return fmt.Errorf("run: --input is required")
	}

	rows, err := ingest.Load(*input)
	if err != nil {
		return err
	}

	cp, err := checkpoint.Open(*checkpointPath)
	if err != nil {
		return err
	}
	defer cp.Close()

	processed, err := cp.GetProcessedIDs(!*retryErrors)
	if err != nil {
		return err
	}

	store, err := registry.Open(registryLayout(*registryDir))
	if err != nil {
		return err
	}
	defer store.Close()

	cfg := config.Load()
	or := newOracle(cfg)
	m := matcher.New(store, or)

	n := 0
	for i, raw := range rows {
		id := raw.InputID(i)
		if processed[id] {
			continue
		}
		result := m.Match(raw)
		if err := cp.UpsertResult(result); err != nil {
			log.Printf("[resolver] checkpoint write failed for %s: %v", id, err)
		}
		n++
		if *limit > 0 && n >= *limit {
			break
		}
	}
	if err := cp.Commit(); err != nil {
		return err
	}
	return cp.ExportCSV(*outPath)
}

func runParallel(args []string) error {
	fs := flag.NewFlagSet("run-parallel", flag.ExitOnError)
	input := fs.String("input", "", "supplier input file (.xlsx or .csv)")
	registryDir := fs.String("registry", "registry", "registry store directory")
	checkpointPath := fs.String("checkpoint", "checkpoint.sqlite", "checkpoint database path")
	outPath := fs.String("out", "report.csv", "output report CSV path")
	workers := fs.Int("workers", 4, "number of parallel workers")
	batch := fs.Int("batch", 200, "checkpoint commit batch size")
	limit := fs.Int("limit", 0, "process at most N rows (0 = all)")
	retryErrors := fs.Bool("retry-errors", false, "re-process rows that previously errored")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return fmt.Errorf("run-parallel: --input is required")
	}

	rawRows, err := ingest.Load(*input)
	if err != nil {
		return err
	}

	cp, err := checkpoint.Open(*checkpointPath)
	if err != nil {
		return err
	}
	defer cp.Close()

	processed, err := cp.GetProcessedIDs(!*retryErrors)
	if err != nil {
		return err
	}

	var rows []pool.Row
	for i, raw := range rawRows {
		if processed[raw.InputID(i)] {
			continue
		}
		rows = append(rows, pool.Row{Raw: raw, Index: i})
		if *limit > 0 && len(rows) >= *limit {
			break
		}
	}

	cfg := config.Load()
	layout := registryLayout(*registryDir)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	p := &pool.Pool{
		Workers:   *workers,
		BatchSize: *batch,
		NewResolver: func() (pool.Resolver, func(), error) {
			store, err := registry.Open(layout)
			if err != nil {
				return nil, nil, err
			}
			or := newOracle(cfg)
			return matcher.New(store, or), func() { store.Close() }, nil
		},
		Checkpoint: cp,
		OnProgress: func(p models.ProgressRecord) {
			log.Printf("[resolver] %s", pool.FormatProgress(p))
		},
	}
	if err := p.Run(ctx, rows); err != nil && ctx.Err() == nil {
		return err
	}
	return cp.ExportCSV(*outPath)
}

func runUnified(args []string) error {
	fs := flag.NewFlagSet("run-unified", flag.ExitOnError)
	input := fs.String("input", "", "supplier input file (.xlsx or .csv)")
	registryDir := fs.String("registry", "registry", "registry store directory")
	checkpointPath := fs.String("checkpoint", "checkpoint.sqlite", "checkpoint database path")
	outPath := fs.String("out", "report.csv", "output report CSV path")
	domestic := fs.String("domestic", "FR", "domestic country code routed to the registry matcher")
	workers := fs.Int("workers", 4, "number of parallel workers")
	batch := fs.Int("batch", 200, "checkpoint commit batch size")
	limit := fs.Int("limit", 0, "process at most N rows (0 = all)")
	retryErrors := fs.Bool("retry-errors", false, "re-process rows that previously errored")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return fmt.Errorf("run-unified: --input is required")
	}

	rawRows, err := ingest.Load(*input)
	if err != nil {
		return err
	}

	cp, err := checkpoint.Open(*checkpointPath)
	if err != nil {
		return err
	}
	defer cp.Close()

	processed, err := cp.GetProcessedIDs(!*retryErrors)
	if err != nil {
		return err
	}

	var rows []pool.Row
	for i, raw := range rawRows {
		if processed[raw.InputID(i)] {
			continue
		}
		rows = append(rows, pool.Row{Raw: raw, Index: i})
		if *limit > 0 && len(rows) >= *limit {
			break
		}
	}

	cfg := config.Load()
	layout := registryLayout(*registryDir)
	serpKey := config.SerpAPIKey()
	domesticCode := *domestic

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	p := &pool.Pool{
		Workers:   *workers,
		BatchSize: *batch,
		NewResolver: func() (pool.Resolver, func(), error) {
			store, err := registry.Open(layout)
			if err != nil {
				return nil, nil, err
			}
			or := newOracle(cfg)
			domesticMatcher := matcher.New(store, or)
			webOracle := websearch.NewOracle(websearch.NewSerpClient(serpKey))
			router := unifiedResolver{domestic: domesticMatcher, web: webOracle, domesticCode: domesticCode}
			return router, func() { store.Close() }, nil
		},
		Checkpoint: cp,
		OnProgress: func(p models.ProgressRecord) {
			log.Printf("[resolver] %s", pool.FormatProgress(p))
		},
	}
	if err := p.Run(ctx, rows); err != nil && ctx.Err() == nil {
		return err
	}
	return cp.ExportCSV(*outPath)
}

// unifiedResolver routes each row to the domestic registry matcher or
// the web-search oracle based on its inferred country.
type unifiedResolver struct {
	domestic     *matcher.Matcher
	web          *websearch.Oracle
	domesticCode string
}

func (u unifiedResolver) Match(raw models.RawRow) models.MatchResult {
	if ingest.IsDomestic(raw, u.domesticCode) {
		return u.domestic.Match(raw)
	}
	return u.web.Resolve(raw)
}

func newOracle(cfg config.Oracle) oracle.Oracle {
	if cfg.Provider == config.ProviderOffline {
		return oracle.NewOffline()
	}
	return oracle.NewRemote(cfg)
}
