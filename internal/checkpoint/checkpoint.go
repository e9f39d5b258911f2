// Package checkpoint implements the crash-safe, single-writer state
// store the pipeline driver uses to record per-row outcomes, resume
// interrupted runs, and export the final unified report. It is
// SQLite-backed via a pure-Go driver so it can be opened repeatedly by
// short-lived CLI invocations without a cgo toolchain.
package checkpoint

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/glebarez/sqlite"

	"github.com/mouadarif/siret-resolver/internal/models"
	"github.com/mouadarif/siret-resolver/internal/report"
)

// Row is the persisted checkpoint record, one per input_id.
type Row struct {
	InputID         string `gorm:"primaryKey;column:input_id"`
	ResolvedSiret   string `gorm:"column:resolved_siret"`
	OfficialName    string `gorm:"column:official_name"`
	ConfidenceScore float64 `gorm:"column:confidence_score"`
	MatchMethod     string `gorm:"column:match_method"`
	Alternatives    string `gorm:"column:alternatives"`
	FoundWebsite    string `gorm:"column:found_website"`
	FoundAddress    string `gorm:"column:found_address"`
	FoundPhone      string `gorm:"column:found_phone"`
	FoundEmail      string `gorm:"column:found_email"`
	Country         string `gorm:"column:country"`
	City            string `gorm:"column:city"`
	PostalCode      string `gorm:"column:postal_code"`
	SearchMethod    string `gorm:"column:search_method"`
	Error           string `gorm:"column:error;index:idx_results_error"`
	UpdatedAtEpoch  int64  `gorm:"column:updated_at_epoch"`
}

func (Row) TableName() string { return "results" }

const (
	maxRetries  = 6
	retryUnit   = 500 * time.Millisecond
)

// Store wraps a gorm-managed SQLite database in WAL mode with a busy
// timeout, matching the original pipeline_manager.StateStore's PRAGMAs
// and retry/backoff constants.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the checkpoint database at path, enabling WAL
// mode and a 5 second busy timeout.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("checkpoint: %s: %w", pragma, err)
		}
	}
	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertResult records a successful match outcome, always clearing any
// previously stored error for this input_id. Uses an explicit
// ON CONFLICT upsert (the teacher's FirstOrCreate idiom doesn't fit
// here since every field, including error, must be overwritten on
// conflict).
func (s *Store) UpsertResult(result models.MatchResult) error {
	row := fromMatchResult(result)
	return s.withRetry(func() error {
		return s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "input_id"}},
			UpdateAll: true,
		}).Create(&row).Error
	})
}

// UpsertError records a processing failure for input_id, but never
// overwrites a row that already recorded a success — P8's invariant,
// which the original Python implementation does not actually enforce
// (its upsert_error unconditionally overwrites on conflict).
func (s *Store) UpsertError(inputID, errMsg string) error {
	return s.withRetry(func() error {
		var existing Row
		err := s.db.Where("input_id = ?", inputID).First(&existing).Error
		if err == nil && existing.Error == "" && existing.ResolvedSiret != "" {
			return nil // a prior success stands; never downgrade it
		}
		if err == nil && existing.Error == "" && existing.MatchMethod != "" && existing.MatchMethod != string(models.MethodError) {
			return nil // a prior terminal non-error outcome (e.g. NOT_FOUND) stands too
		}
		row := Row{
			InputID:        inputID,
			Error:          errMsg,
			MatchMethod:    string(models.MethodError),
			UpdatedAtEpoch: time.Now().Unix(),
		}
		return s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "input_id"}},
			UpdateAll: true,
		}).Create(&row).Error
	})
}

// GetProcessedIDs returns the set of input_ids already recorded,
// optionally including rows that errored (so a --retry-errors run can
// exclude them from the skip set).
func (s *Store) GetProcessedIDs(includeErrors bool) (map[string]bool, error) {
	var rows []Row
	q := s.db.Select("input_id", "error")
	if !includeErrors {
		q = q.Where("error = '' OR error IS NULL")
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[r.InputID] = true
	}
	return out, nil
}

// Commit is a no-op placeholder matching the original's explicit
// commit() call site; gorm commits each statement immediately, but
// callers in internal/pool still call Commit() between batches to
// mirror the batch-then-commit shape the worker pool relies on for
// progress accounting.
func (s *Store) Commit() error { return nil }

func (s *Store) withRetry(fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			if !isLockedErr(err) {
				return err
			}
			time.Sleep(retryUnit * time.Duration(attempt+1))
			continue
		}
		return nil
	}
	return fmt.Errorf("checkpoint: giving up after %d attempts: %w", maxRetries, lastErr)
}

func isLockedErr(err error) bool {
	msg := err.Error()
	return contains(msg, "locked") || contains(msg, "busy")
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func fromMatchResult(m models.MatchResult) Row {
	return Row{
		InputID:         m.InputID,
		ResolvedSiret:   m.ResolvedSiret,
		OfficialName:    m.OfficialName,
		ConfidenceScore: m.ConfidenceScore,
		MatchMethod:     string(m.MatchMethod),
		Alternatives:    models.AlternativesJSON(m.Alternatives),
		FoundWebsite:    m.FoundWebsite,
		FoundAddress:    m.FoundAddress,
		FoundPhone:      m.FoundPhone,
		FoundEmail:      m.FoundEmail,
		Country:         m.Country,
		City:            m.City,
		PostalCode:      m.PostalCode,
		SearchMethod:    m.SearchMethod,
		Error:           "",
		UpdatedAtEpoch:  time.Now().Unix(),
	}
}

// ExportCSV writes every checkpoint row to path using the unified
// report schema, delegating to internal/report for the actual CSV
// encoding.
func (s *Store) ExportCSV(path string) error {
	var rows []Row
	if err := s.db.Order("input_id").Find(&rows).Error; err != nil {
		return err
	}

	results := make([]models.MatchResult, 0, len(rows))
	for _, r := range rows {
		rec := models.MatchResult{
			InputID:         r.InputID,
			ResolvedSiret:   r.ResolvedSiret,
			OfficialName:    r.OfficialName,
			ConfidenceScore: r.ConfidenceScore,
			MatchMethod:     models.MatchMethod(r.MatchMethod),
			FoundWebsite:    r.FoundWebsite,
			FoundAddress:    r.FoundAddress,
			FoundPhone:      r.FoundPhone,
			FoundEmail:      r.FoundEmail,
			Country:         r.Country,
			City:            r.City,
			PostalCode:      r.PostalCode,
			SearchMethod:    r.SearchMethod,
			Error:           r.Error,
		}
		rec.Alternatives = models.ParseAlternativesJSON(r.Alternatives)
		results = append(results, rec)
	}
	return report.WriteCSV(path, results)
}
