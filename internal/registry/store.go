// Package registry implements the read-only analytical store the
// matcher queries: active companies with a full-text name index, and
// establishments partitioned by the first two digits of their postal
// code. Physically this is a directory of SQLite databases rather than
// the Parquet files the original pipeline used, since no
// Parquet/Arrow/DuckDB library is available; the partition layout and
// query semantics are preserved.
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mouadarif/siret-resolver/internal/models"
)

// Layout describes where the registry's SQLite files live on disk.
type Layout struct {
	CompaniesDB     string // single file: companies_active + FTS5 index
	PartitionsDir   string // directory of region_prefix=XX/part.sqlite
}

var deptPattern = regexp.MustCompile(`^[0-9]{2}`)

// PartitionPath returns the SQLite file path for a given two-digit
// postal-code prefix.
func (l Layout) PartitionPath(prefix string) string {
	return filepath.Join(l.PartitionsDir, fmt.Sprintf("region_prefix=%s", prefix), "part.sqlite")
}

// MetadataPath returns the path of the build metadata sidecar, stored
// alongside the establishment partitions.
func (l Layout) MetadataPath() string {
	return filepath.Join(l.PartitionsDir, "metadata.json")
}

// Metadata records how a registry build produced the files at a
// Layout: the absolute source archive paths, the partition root, when
// the build ran, and the sampling parameter used. internal/builder
// writes this sidecar at the end of a build; Open reads it back so
// callers can tell a sampled registry from a full one without
// re-deriving it from the partition contents.
type Metadata struct {
	CompaniesSourcePath      string `json:"companies_source_path"`
	EstablishmentsSourcePath string `json:"establishments_source_path"`
	PartitionRoot            string `json:"partition_root"`
	CreatedAtEpoch           int64  `json:"created_at_epoch"`
	SampleRowGroups          int    `json:"sample_row_groups"`
}

// WriteMetadata persists m as the build's metadata sidecar.
func WriteMetadata(l Layout, m Metadata) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal metadata: %w", err)
	}
	if err := os.MkdirAll(l.PartitionsDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(l.MetadataPath(), b, 0o644)
}

// ReadMetadata loads the build metadata sidecar for l. Registries
// built before the sidecar existed simply have no file; callers get a
// zero Metadata and no error in that case.
func ReadMetadata(l Layout) (Metadata, error) {
	b, err := os.ReadFile(l.MetadataPath())
	if os.IsNotExist(err) {
		return Metadata{}, nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("registry: read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return Metadata{}, fmt.Errorf("registry: unmarshal metadata: %w", err)
	}
	return m, nil
}

// Store is a read-only handle onto the registry. Each worker opens its
// own Store so no connection or statement is shared across goroutines,
// matching the per-worker-read-only-connection invariant the original
// parallel pipeline relies on.
type Store struct {
	companies *sql.DB
	layout    Layout
	metadata  Metadata

	mu         sync.Mutex
	partitions map[string]*sql.DB
}

// Open opens the companies database read-only; establishment partition
// files are opened lazily on first use and cached for the life of the
// Store. The build metadata sidecar, if present, is loaded eagerly so
// Metadata() never touches disk again after Open returns.
func Open(layout Layout) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+layout.CompaniesDB+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("registry: open companies db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: ping companies db: %w", err)
	}
	meta, err := ReadMetadata(layout)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{companies: db, layout: layout, metadata: meta, partitions: make(map[string]*sql.DB)}, nil
}

// Metadata returns the build metadata sidecar loaded at Open, zero-
// valued if this registry predates the sidecar.
func (s *Store) Metadata() Metadata {
	return s.metadata
}

// Close releases the companies handle and every opened partition.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, p := range s.partitions {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.companies.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Store) partition(prefix string) (*sql.DB, error) {
	if !deptPattern.MatchString(prefix) {
		return nil, fmt.Errorf("registry: invalid partition prefix %q", prefix)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.partitions[prefix]; ok {
		return db, nil
	}
	path := s.layout.PartitionPath(prefix)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("registry: partition %s not found: %w", prefix, err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	s.partitions[prefix] = db
	return db, nil
}

// DirectLookup finds the active establishment for an exact SIRET,
// state S0 of the matcher. The SIRET's digits do not encode its
// postal-region partition, so this scans every partition file; callers
// that already know the row's postal code should prefer
// StrictLocalLookup instead.
func (s *Store) DirectLookup(siret string) (models.Establishment, models.Company, bool, error) {
	if len(siret) < 14 {
		return models.Establishment{}, models.Company{}, false, nil
	}
	prefixes, err := s.partitionPrefixes()
	if err != nil {
		return models.Establishment{}, models.Company{}, false, err
	}
	for _, prefix := range prefixes {
		db, err := s.partition(prefix)
		if err != nil {
			continue
		}
		est, ok, err := queryEstablishmentBySiret(db, siret)
		if err != nil {
			return models.Establishment{}, models.Company{}, false, err
		}
		if !ok {
			continue
		}
		co, ok, err := s.companyBySiren(est.Siren)
		if err != nil {
			return models.Establishment{}, models.Company{}, false, err
		}
		return est, co, ok, nil
	}
	return models.Establishment{}, models.Company{}, false, nil
}

func (s *Store) partitionPrefixes() ([]string, error) {
	entries, err := os.ReadDir(s.layout.PartitionsDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if len(name) < len("region_prefix=XX") {
			continue
		}
		out = append(out, name[len("region_prefix="):])
	}
	return out, nil
}

func queryEstablishmentBySiret(db *sql.DB, siret string) (models.Establishment, bool, error) {
	row := db.QueryRow(`SELECT siret, siren, city, postal_code, address, is_siege
		FROM establishments WHERE siret = ?`, siret)
	var e models.Establishment
	if err := row.Scan(&e.Siret, &e.Siren, &e.City, &e.PostalCode, &e.Address, &e.IsSiege); err != nil {
		if err == sql.ErrNoRows {
			return models.Establishment{}, false, nil
		}
		return models.Establishment{}, false, err
	}
	return e, true, nil
}

func (s *Store) companyBySiren(siren string) (models.Company, bool, error) {
	row := s.companies.QueryRow(`SELECT siren, denomination, naf_code, admin_state
		FROM companies_active WHERE siren = ?`, siren)
	var c models.Company
	if err := row.Scan(&c.Siren, &c.Denomination, &c.NAFCode, &c.AdminState); err != nil {
		if err == sql.ErrNoRows {
			return models.Company{}, false, nil
		}
		return models.Company{}, false, err
	}
	return c, true, nil
}

// StrictLocalLookup finds establishments in one postal-code region
// whose company denomination is within Levenshtein distance 3 of name,
// state S2 of the matcher.
func (s *Store) StrictLocalLookup(prefix, name string) ([]models.Establishment, []models.Company, error) {
	db, err := s.partition(prefix)
	if err != nil {
		return nil, nil, nil // no such partition: treat as zero candidates
	}
	rows, err := db.Query(`SELECT siret, siren, city, postal_code, address, is_siege FROM establishments`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var ests []models.Establishment
	for rows.Next() {
		var e models.Establishment
		if err := rows.Scan(&e.Siret, &e.Siren, &e.City, &e.PostalCode, &e.Address, &e.IsSiege); err != nil {
			return nil, nil, err
		}
		ests = append(ests, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var matched []models.Establishment
	var companies []models.Company
	for _, e := range ests {
		co, ok, err := s.companyBySiren(e.Siren)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		if levenshteinUpTo3(co.Denomination, name) {
			matched = append(matched, e)
			companies = append(companies, co)
		}
	}
	return matched, companies, nil
}

func levenshteinUpTo3(a, b string) bool {
	return levenshtein(a, b) <= 3
}

// levenshtein is a small local copy of the edit-distance metric used
// by the strict local lookup; kept private to registry so this package
// does not depend on internal/matcher, which depends on registry.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			curr[j] = m
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// FTSResult is one row of an FTS broad search, ordered ascending by
// rank (lower is more relevant, matching SQLite FTS5's bm25()
// convention and the original pipeline's ORDER BY score ASC).
type FTSResult struct {
	Siren        string
	Denomination string
	Rank         float64
}

// FTSCandidates runs a broad full-text search over company
// denominations, state S4 of the matcher.
func (s *Store) FTSCandidates(searchToken string, limit int) ([]FTSResult, error) {
	rows, err := s.companies.Query(`
		SELECT c.siren, c.denomination, bm25(companies_fts) AS rank
		FROM companies_fts
		JOIN companies_active c ON c.rowid = companies_fts.rowid
		WHERE companies_fts MATCH ?
		ORDER BY rank ASC
		LIMIT ?`, searchToken, limit)
	if err != nil {
		return nil, fmt.Errorf("registry: fts query: %w", err)
	}
	defer rows.Close()

	var out []FTSResult
	for rows.Next() {
		var r FTSResult
		if err := rows.Scan(&r.Siren, &r.Denomination, &r.Rank); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FetchBySirens fetches establishments for the given sirens, scoped to
// one postal-code region when prefix is non-empty, nationwide
// otherwise (the original's "_fetch_establishments_for_sirens" /
// "_fetch_establishments_for_sirens_nationwide" pair).
func (s *Store) FetchBySirens(sirens []string, prefix string) ([]models.Establishment, error) {
	if len(sirens) == 0 {
		return nil, nil
	}
	if prefix != "" {
		db, err := s.partition(prefix)
		if err != nil {
			return nil, nil
		}
		return fetchEstablishmentsIn(db, sirens)
	}
	return s.fetchNationwide(sirens)
}

func fetchEstablishmentsIn(db *sql.DB, sirens []string) ([]models.Establishment, error) {
	wanted := make(map[string]bool, len(sirens))
	for _, si := range sirens {
		wanted[si] = true
	}
	rows, err := db.Query(`SELECT siret, siren, city, postal_code, address, is_siege FROM establishments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Establishment
	for rows.Next() {
		var e models.Establishment
		if err := rows.Scan(&e.Siret, &e.Siren, &e.City, &e.PostalCode, &e.Address, &e.IsSiege); err != nil {
			return nil, err
		}
		if wanted[e.Siren] {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

func (s *Store) fetchNationwide(sirens []string) ([]models.Establishment, error) {
	prefixes, err := s.partitionPrefixes()
	if err != nil {
		return nil, err
	}
	var out []models.Establishment
	for _, prefix := range prefixes {
		ests, err := s.FetchBySirens(sirens, prefix)
		if err != nil {
			continue
		}
		out = append(out, ests...)
	}
	return out, nil
}
