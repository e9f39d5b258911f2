package builder

import (
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mouadarif/siret-resolver/internal/registry"
)

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture %s: %v", name, err)
	}
	return path
}

func TestBuildProducesQueryableRegistry(t *testing.T) {
	companiesCSV := writeFixture(t, "companies.csv", ""+
		"siren,denomination,naf_code,admin_state\n"+
		"111111111,ACME WIDGETS,6201Z,A\n"+
		"222222222,DEFUNCT CO,6202A,C\n") // inactive, must be skipped

	establishmentsCSV := writeFixture(t, "establishments.csv", ""+
		"siret,siren,city,postal_code,address,is_siege,admin_state\n"+
		"11111111100015,111111111,paris,75001,1 rue de rivoli,true,A\n"+
		"22222222200022,222222222,lyon,69001,2 rue de la republique,true,A\n") // inactive company's establishment stays, only companies_active is filtered

	dir := t.TempDir()
	layout := registry.Layout{
		CompaniesDB:   filepath.Join(dir, "companies.sqlite"),
		PartitionsDir: filepath.Join(dir, "etablissements"),
	}

	opts := Options{
		CompaniesCSV:      companiesCSV,
		EstablishmentsCSV: establishmentsCSV,
		Layout:            layout,
	}
	if err := Build(opts); err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	store, err := registry.Open(layout)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	defer store.Close()

	est, co, ok, err := store.DirectLookup("11111111100015")
	if err != nil {
		t.Fatalf("DirectLookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected the built registry to contain the ACME establishment")
	}
	if est.City != "PARIS" {
		t.Errorf("City = %q, want PARIS (uppercased on ingest)", est.City)
	}
	if co.Denomination != "ACME WIDGETS" {
		t.Errorf("Denomination = %q, want ACME WIDGETS", co.Denomination)
	}

	// DEFUNCT CO's establishment row still ingests (its own admin_state
	// is "A"), but since its company never made it into
	// companies_active (admin_state "C", not "A"), DirectLookup can't
	// resolve the company half of the pair and reports no hit overall.
	_, _, ok2, err := store.DirectLookup("22222222200022")
	if err != nil {
		t.Fatalf("DirectLookup: %v", err)
	}
	if ok2 {
		t.Errorf("expected no hit: the parent company was filtered out of companies_active")
	}

	meta := store.Metadata()
	if meta.CompaniesSourcePath == "" || meta.EstablishmentsSourcePath == "" {
		t.Errorf("expected Build to record absolute source paths in the metadata sidecar, got %+v", meta)
	}
	if !filepath.IsAbs(meta.CompaniesSourcePath) || !filepath.IsAbs(meta.EstablishmentsSourcePath) {
		t.Errorf("metadata source paths must be absolute, got %+v", meta)
	}
	if meta.PartitionRoot == "" || !filepath.IsAbs(meta.PartitionRoot) {
		t.Errorf("metadata partition root must be a non-empty absolute path, got %q", meta.PartitionRoot)
	}
	if meta.CreatedAtEpoch <= 0 {
		t.Errorf("metadata CreatedAtEpoch = %d, want a positive epoch timestamp", meta.CreatedAtEpoch)
	}
}

func TestBuildForceRebuildReingestsSourceData(t *testing.T) {
	companiesCSV := writeFixture(t, "companies.csv", ""+
		"siren,denomination,naf_code,admin_state\n"+
		"111111111,ACME WIDGETS,6201Z,A\n")
	establishmentsCSV := writeFixture(t, "establishments.csv", ""+
		"siret,siren,city,postal_code,address,is_siege,admin_state\n"+
		"11111111100015,111111111,paris,75001,1 rue de rivoli,true,A\n")

	dir := t.TempDir()
	layout := registry.Layout{
		CompaniesDB:   filepath.Join(dir, "companies.sqlite"),
		PartitionsDir: filepath.Join(dir, "etablissements"),
	}

	opts := Options{CompaniesCSV: companiesCSV, EstablishmentsCSV: establishmentsCSV, Layout: layout}
	if err := Build(opts); err != nil {
		t.Fatalf("first Build() error: %v", err)
	}

	opts.ForceRebuild = true
	if err := Build(opts); err != nil {
		t.Fatalf("second Build() with ForceRebuild error: %v", err)
	}

	store, err := registry.Open(layout)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	defer store.Close()

	_, _, ok, err := store.DirectLookup("11111111100015")
	if err != nil {
		t.Fatalf("DirectLookup: %v", err)
	}
	if !ok {
		t.Errorf("a rebuilt registry should still contain data re-ingested from the same source CSVs")
	}
}
