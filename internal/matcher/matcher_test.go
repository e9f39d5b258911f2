package matcher

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mouadarif/siret-resolver/internal/models"
	"github.com/mouadarif/siret-resolver/internal/oracle"
	"github.com/mouadarif/siret-resolver/internal/registry"
)

// buildTestRegistry creates a minimal registry store on disk: one
// company (ACME, siren 111111111) with one siège establishment in
// region 75, used across the matcher scenario tests below.
func buildTestRegistry(t *testing.T) registry.Layout {
	t.Helper()
	dir := t.TempDir()
	layout := registry.Layout{
		CompaniesDB:   filepath.Join(dir, "companies.sqlite"),
		PartitionsDir: filepath.Join(dir, "etablissements"),
	}

	db, err := sql.Open("sqlite3", layout.CompaniesDB)
	if err != nil {
		t.Fatalf("opening companies db: %v", err)
	}
	defer db.Close()

	mustExec(t, db, `CREATE TABLE companies_active (siren TEXT PRIMARY KEY, denomination TEXT, naf_code TEXT, admin_state TEXT)`)
	mustExec(t, db, `CREATE VIRTUAL TABLE companies_fts USING fts5(denomination, content='companies_active', content_rowid='rowid')`)
	mustExec(t, db, `INSERT INTO companies_active (rowid, siren, denomination, naf_code, admin_state) VALUES (1, '111111111', 'ACME', '6201Z', 'A')`)
	mustExec(t, db, `INSERT INTO companies_fts(companies_fts) VALUES('rebuild')`)

	partitionDir := filepath.Join(layout.PartitionsDir, "region_prefix=75")
	if err := os.MkdirAll(partitionDir, 0o755); err != nil {
		t.Fatalf("mkdir partition: %v", err)
	}
	pdb, err := sql.Open("sqlite3", filepath.Join(partitionDir, "part.sqlite"))
	if err != nil {
		t.Fatalf("opening partition db: %v", err)
	}
	defer pdb.Close()
	mustExec(t, pdb, `CREATE TABLE establishments (siret TEXT PRIMARY KEY, siren TEXT, city TEXT, postal_code TEXT, address TEXT, is_siege BOOLEAN)`)
	mustExec(t, pdb, `INSERT INTO establishments VALUES ('11111111100015', '111111111', 'PARIS', '75001', '1 RUE DE RIVOLI', 1)`)

	return layout
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func TestMatchDirectIDLookup(t *testing.T) {
	layout := buildTestRegistry(t)
	store, err := registry.Open(layout)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	defer store.Close()

	m := New(store, oracle.NewOffline())
	result := m.Match(models.RawRow{
		"Auxiliaire": "row-1",
		"SIRET":      "11111111100015",
	})

	if result.MatchMethod != models.MethodDirectID {
		t.Errorf("MatchMethod = %v, want DIRECT_ID", result.MatchMethod)
	}
	if result.ConfidenceScore != 1.0 {
		t.Errorf("ConfidenceScore = %v, want 1.0 for a direct ID hit", result.ConfidenceScore)
	}
	if result.ResolvedSiret != "11111111100015" {
		t.Errorf("ResolvedSiret = %q, want %q", result.ResolvedSiret, "11111111100015")
	}
}

func TestMatchNoLocationReturnsNotFound(t *testing.T) {
	layout := buildTestRegistry(t)
	store, err := registry.Open(layout)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	defer store.Close()

	m := New(store, oracle.NewOffline())
	result := m.Match(models.RawRow{
		"Auxiliaire": "row-2",
		"Nom":        "ACME SAS",
		// no Postal, no Ville: the location gate (S3) must reject this.
	})

	if result.MatchMethod != models.MethodNotFound {
		t.Errorf("MatchMethod = %v, want NOT_FOUND when neither postal code nor city is known", result.MatchMethod)
	}
	if result.DebugStep != "NO_LOCATION" {
		t.Errorf("DebugStep = %q, want NO_LOCATION", result.DebugStep)
	}
	if result.ResolvedSiret != "" {
		t.Errorf("ResolvedSiret = %q, want empty for a NOT_FOUND result", result.ResolvedSiret)
	}
}

// buildTiedRegistry creates two companies sharing the same denomination,
// each with one non-siège establishment in the same region, so the
// matcher's weighted scoring produces an exact tie between them. est1's
// address overlaps the arbitration question (it mentions PARIS) and
// est2's does not, so the offline oracle's address-overlap fallback
// deterministically prefers est1.
func buildTiedRegistry(t *testing.T) registry.Layout {
	t.Helper()
	dir := t.TempDir()
	layout := registry.Layout{
		CompaniesDB:   filepath.Join(dir, "companies.sqlite"),
		PartitionsDir: filepath.Join(dir, "etablissements"),
	}

	db, err := sql.Open("sqlite3", layout.CompaniesDB)
	if err != nil {
		t.Fatalf("opening companies db: %v", err)
	}
	defer db.Close()

	mustExec(t, db, `CREATE TABLE companies_active (siren TEXT PRIMARY KEY, denomination TEXT, naf_code TEXT, admin_state TEXT)`)
	mustExec(t, db, `CREATE VIRTUAL TABLE companies_fts USING fts5(denomination, content='companies_active', content_rowid='rowid')`)
	mustExec(t, db, `INSERT INTO companies_active (rowid, siren, denomination, naf_code, admin_state) VALUES (1, '333333333', 'WIDGET CORP', '6201Z', 'A')`)
	mustExec(t, db, `INSERT INTO companies_active (rowid, siren, denomination, naf_code, admin_state) VALUES (2, '444444444', 'WIDGET CORP', '6201Z', 'A')`)
	mustExec(t, db, `INSERT INTO companies_fts(companies_fts) VALUES('rebuild')`)

	partitionDir := filepath.Join(layout.PartitionsDir, "region_prefix=75")
	if err := os.MkdirAll(partitionDir, 0o755); err != nil {
		t.Fatalf("mkdir partition: %v", err)
	}
	pdb, err := sql.Open("sqlite3", filepath.Join(partitionDir, "part.sqlite"))
	if err != nil {
		t.Fatalf("opening partition db: %v", err)
	}
	defer pdb.Close()
	mustExec(t, pdb, `CREATE TABLE establishments (siret TEXT PRIMARY KEY, siren TEXT, city TEXT, postal_code TEXT, address TEXT, is_siege BOOLEAN)`)
	mustExec(t, pdb, `INSERT INTO establishments VALUES ('33333333300011', '333333333', 'PARIS', '75001', '1 RUE DE PARIS', 0)`)
	mustExec(t, pdb, `INSERT INTO establishments VALUES ('44444444400022', '444444444', 'PARIS', '75002', '2 RUE DE LYON', 0)`)

	return layout
}

func TestMatchArbiterTieBreak(t *testing.T) {
	layout := buildTiedRegistry(t)
	store, err := registry.Open(layout)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	defer store.Close()

	m := New(store, oracle.NewOffline())
	result := m.Match(models.RawRow{
		"Auxiliaire": "row-6",
		"Nom":        "WIDGET CORP",
		"Postal":     "75009", // not 75001/75002, so strict local lookup finds nothing
		"Ville":      "Paris",
	})

	if result.MatchMethod != models.MethodArbiter {
		t.Fatalf("MatchMethod = %v, want ARBITER for a genuine score tie", result.MatchMethod)
	}
	if result.ResolvedSiret != "33333333300011" {
		t.Errorf("ResolvedSiret = %q, want %q (the oracle's address-overlap choice)", result.ResolvedSiret, "33333333300011")
	}
}

func TestMatchAlternativesCappedAtFive(t *testing.T) {
	dir := t.TempDir()
	layout := registry.Layout{
		CompaniesDB:   filepath.Join(dir, "companies.sqlite"),
		PartitionsDir: filepath.Join(dir, "etablissements"),
	}

	db, err := sql.Open("sqlite3", layout.CompaniesDB)
	if err != nil {
		t.Fatalf("opening companies db: %v", err)
	}
	defer db.Close()
	mustExec(t, db, `CREATE TABLE companies_active (siren TEXT PRIMARY KEY, denomination TEXT, naf_code TEXT, admin_state TEXT)`)
	mustExec(t, db, `CREATE VIRTUAL TABLE companies_fts USING fts5(denomination, content='companies_active', content_rowid='rowid')`)

	partitionDir := filepath.Join(layout.PartitionsDir, "region_prefix=75")
	if err := os.MkdirAll(partitionDir, 0o755); err != nil {
		t.Fatalf("mkdir partition: %v", err)
	}
	pdb, err := sql.Open("sqlite3", filepath.Join(partitionDir, "part.sqlite"))
	if err != nil {
		t.Fatalf("opening partition db: %v", err)
	}
	defer pdb.Close()
	mustExec(t, pdb, `CREATE TABLE establishments (siret TEXT PRIMARY KEY, siren TEXT, city TEXT, postal_code TEXT, address TEXT, is_siege BOOLEAN)`)

	const n = 7
	for i := 0; i < n; i++ {
		siren := fmt.Sprintf("5%08d", i)
		siret := siren + "00011"
		mustExec(t, db, `INSERT INTO companies_active (rowid, siren, denomination, naf_code, admin_state) VALUES (?, ?, 'GADGET CORP', '6201Z', 'A')`, i+10, siren)
		mustExec(t, pdb, `INSERT INTO establishments VALUES (?, ?, 'PARIS', '75001', ?, 0)`, siret, siren, fmt.Sprintf("%d RUE DE RIVOLI", i))
	}
	mustExec(t, db, `INSERT INTO companies_fts(companies_fts) VALUES('rebuild')`)

	store, err := registry.Open(layout)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	defer store.Close()

	m := New(store, oracle.NewOffline())
	result := m.Match(models.RawRow{
		"Auxiliaire": "row-7",
		"Nom":        "GADGET CORP",
		"Postal":     "75009",
		"Ville":      "Paris",
	})

	if len(result.Alternatives) > 5 {
		t.Errorf("len(Alternatives) = %d, want at most 5", len(result.Alternatives))
	}
	for _, alt := range result.Alternatives {
		if alt == result.ResolvedSiret {
			t.Errorf("alternatives must exclude the resolved siret, found %q", alt)
		}
	}
}

func TestMatchCityOnlyFallsBackToBroadSearch(t *testing.T) {
	layout := buildTestRegistry(t)
	store, err := registry.Open(layout)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	defer store.Close()

	m := New(store, oracle.NewOffline())
	result := m.Match(models.RawRow{
		"Auxiliaire": "row-3",
		"Nom":        "ACME SAS",
		"Ville":      "Paris", // city known, postal unknown: S2 is skipped, S4 runs nationwide.
	})

	if result.MatchMethod == models.MethodNotFound && result.DebugStep == "NO_LOCATION" {
		t.Errorf("city-only rows must not hit the NO_LOCATION gate")
	}
}
