// Package pool implements the parallel pipeline driver: N workers each
// with their own read-only registry handle and their own oracle
// instance (no memoization shared across goroutines), pulling from a
// shared task queue and reporting outcomes to a single checkpoint
// writer. Grounded in the teacher's channel-based worker pool
// (DocumentWorkerPool), generalized from document jobs to supplier
// rows and restructured around errgroup for cancellation.
package pool

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/mouadarif/siret-resolver/internal/checkpoint"
	"github.com/mouadarif/siret-resolver/internal/models"
)

// Row is one unit of work: a raw supplier row plus its assigned index
// (used only as a fallback input_id).
type Row struct {
	Raw   models.RawRow
	Index int
}

// Resolver resolves a single row to a MatchResult. Implementations
// (the registry matcher, the web-search oracle, or a router between
// the two) must be safe to call concurrently only if each worker owns
// its own Resolver instance -- Pool guarantees that via NewResolver.
type Resolver interface {
	Match(raw models.RawRow) models.MatchResult
}

// NewResolverFunc builds a worker-private Resolver; called once per
// worker so no state (registry handles, oracle caches) is shared
// across goroutines.
type NewResolverFunc func() (Resolver, func(), error)

// Pool drives N workers over a shared queue of rows, batching
// checkpoint writes on the single driver goroutine.
type Pool struct {
	Workers      int
	BatchSize    int
	NewResolver  NewResolverFunc
	Checkpoint   *checkpoint.Store
	OnProgress   func(models.ProgressRecord)
}

type outcome struct {
	result models.MatchResult
	err    error
	errID  string
}

// Run processes every row in rows, returns once all rows have been
// checkpointed or the context is cancelled. Per-row errors are
// recorded via UpsertError and do not abort sibling workers.
func (p *Pool) Run(ctx context.Context, rows []Row) error {
	total := len(rows)
	if total == 0 {
		return nil
	}

	jobs := make(chan Row)
	results := make(chan outcome)

	group, gctx := errgroup.WithContext(ctx)

	for w := 0; w < p.Workers; w++ {
		group.Go(func() error {
			resolver, cleanup, err := p.NewResolver()
			if err != nil {
				return err
			}
			if cleanup != nil {
				defer cleanup()
			}
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case row, ok := <-jobs:
					if !ok {
						return nil
					}
					result := safeMatch(resolver, row)
					out := outcome{result: result}
					if result.MatchMethod == models.MethodError {
						out = outcome{errID: result.InputID, err: errors.New(result.Error)}
					}
					select {
					case results <- out:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
		})
	}

	group.Go(func() error {
		defer close(jobs)
		for _, row := range rows {
			select {
			case jobs <- row:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	done := 0
	start := time.Now()
	batch := 0

	driverErr := func() error {
		for done < total {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case out := <-results:
				done++
				batch++
				if out.err != nil {
					if err := p.Checkpoint.UpsertError(out.errID, out.err.Error()); err != nil {
						log.Printf("[pool] checkpoint error write failed: %v", err)
					}
				} else if err := p.Checkpoint.UpsertResult(out.result); err != nil {
					log.Printf("[pool] checkpoint result write failed: %v", err)
				}
				if batch >= p.BatchSize {
					if err := p.Checkpoint.Commit(); err != nil {
						log.Printf("[pool] commit failed: %v", err)
					}
					batch = 0
				}
				if p.OnProgress != nil {
					p.OnProgress(progressRecord(done, total, start))
				}
			}
		}
		return nil
	}()

	waitErr := group.Wait()
	if err := p.Checkpoint.Commit(); err != nil {
		log.Printf("[pool] final commit failed: %v", err)
	}
	if driverErr != nil {
		return driverErr
	}
	return waitErr
}

func safeMatch(resolver Resolver, row Row) (result models.MatchResult) {
	defer func() {
		if r := recover(); r != nil {
			result = models.MatchResult{
				InputID:     row.Raw.InputID(row.Index),
				MatchMethod: models.MethodError,
				Error:       panicMessage(r),
			}
		}
	}()
	return resolver.Match(row.Raw)
}

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return "panic during match"
}

func progressRecord(done, total int, start time.Time) models.ProgressRecord {
	elapsed := time.Since(start).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(done) / elapsed
	}
	eta := 0.0
	if rate > 0 {
		eta = float64(total-done) / rate
	}
	return models.ProgressRecord{Done: done, Total: total, Rate: rate, ETA: eta}
}

// FormatProgress renders a progress record the way the driver CLI logs
// it: "1,234/10,000 | rate=12.3/s | ETA=2m30s", matching the original
// pipeline's batch progress lines.
func FormatProgress(p models.ProgressRecord) string {
	eta := time.Duration(p.ETA * float64(time.Second))
	return humanize.Comma(int64(p.Done)) + "/" + humanize.Comma(int64(p.Total)) +
		" | rate=" + humanize.Ftoa(p.Rate) + "/s | ETA=" + eta.Round(time.Second).String()
}
