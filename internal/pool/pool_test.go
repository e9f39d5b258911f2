package pool

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/mouadarif/siret-resolver/internal/checkpoint"
	"github.com/mouadarif/siret-resolver/internal/models"
)

// fakeResolver matches every row deterministically by index, panicking
// on rows whose index is in panicOn, to exercise safeMatch's recovery
// path and the error-routing fix in Run.
type fakeResolver struct {
	panicOn map[int]bool
}

func (f *fakeResolver) Match(raw models.RawRow) models.MatchResult {
	idx := raw["index"].(int)
	if f.panicOn[idx] {
		panic(fmt.Errorf("boom on row %d", idx))
	}
	return models.MatchResult{
		InputID:     raw.InputID(idx),
		MatchMethod: models.MethodCalculated,
	}
}

func openTestCheckpoint(t *testing.T) *checkpoint.Store {
	t.Helper()
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoint.sqlite"))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPoolRunRoutesPanicsToUpsertError(t *testing.T) {
	cp := openTestCheckpoint(t)

	rows := make([]Row, 0, 5)
	for i := 0; i < 5; i++ {
		rows = append(rows, Row{
			Raw:   models.RawRow{"Auxiliaire": fmt.Sprintf("row-%d", i), "index": i},
			Index: i,
		})
	}

	p := &Pool{
		Workers:   2,
		BatchSize: 2,
		Checkpoint: cp,
		NewResolver: func() (Resolver, func(), error) {
			return &fakeResolver{panicOn: map[int]bool{2: true}}, nil, nil
		},
	}

	if err := p.Run(context.Background(), rows); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	processed, err := cp.GetProcessedIDs(true)
	if err != nil {
		t.Fatalf("GetProcessedIDs: %v", err)
	}
	if len(processed) != 5 {
		t.Errorf("expected all 5 rows checkpointed (successes and the one error), got %d", len(processed))
	}

	withoutErrors, err := cp.GetProcessedIDs(false)
	if err != nil {
		t.Fatalf("GetProcessedIDs: %v", err)
	}
	if withoutErrors["row-2"] {
		t.Errorf("row-2 panicked and should be recorded as an error, not a clean success")
	}
}

func TestPoolRunReportsProgress(t *testing.T) {
	cp := openTestCheckpoint(t)

	rows := []Row{
		{Raw: models.RawRow{"Auxiliaire": "a", "index": 0}, Index: 0},
		{Raw: models.RawRow{"Auxiliaire": "b", "index": 1}, Index: 1},
	}

	var calls int64
	p := &Pool{
		Workers:   1,
		BatchSize: 10,
		Checkpoint: cp,
		NewResolver: func() (Resolver, func(), error) {
			return &fakeResolver{panicOn: map[int]bool{}}, nil, nil
		},
		OnProgress: func(models.ProgressRecord) {
			atomic.AddInt64(&calls, 1)
		},
	}

	if err := p.Run(context.Background(), rows); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if atomic.LoadInt64(&calls) != int64(len(rows)) {
		t.Errorf("OnProgress called %d times, want %d", calls, len(rows))
	}
}
