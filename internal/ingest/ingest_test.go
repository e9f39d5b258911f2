package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mouadarif/siret-resolver/internal/models"
)

func writeTempCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "suppliers.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture csv: %v", err)
	}
	return path
}

func TestLoadCSVPreservesIDColumnsAsStrings(t *testing.T) {
	path := writeTempCSV(t, "Auxiliaire,SIRET,Postal,Montant\n"+
		"sup-1,00150023400019,00150,1234.5\n")

	rows, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if _, ok := row["SIRET"].(string); !ok {
		t.Errorf("SIRET should remain a string, got %T", row["SIRET"])
	}
	if row["Postal"] != "00150" {
		t.Errorf("Postal = %v, want the leading zero preserved (\"00150\")", row["Postal"])
	}
	if _, ok := row["Montant"].(float64); !ok {
		t.Errorf("Montant should be coerced to float64, got %T", row["Montant"])
	}
}

func TestLoadRejectsUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suppliers.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Errorf("expected an error for an unsupported extension")
	}
}

func TestIsDomesticDefaultsTrueWhenCountryBlank(t *testing.T) {
	if !IsDomestic(models.RawRow{"Auxiliaire": "sup-1"}, "FR") {
		t.Errorf("a row with no country column should default to domestic")
	}
}

func TestIsDomesticComparesCaseInsensitively(t *testing.T) {
	row := models.RawRow{"Pays": "fr"}
	if !IsDomestic(row, "FR") {
		t.Errorf("country comparison should be case-insensitive")
	}
	row["Pays"] = "DE"
	if IsDomestic(row, "FR") {
		t.Errorf("a foreign country code should not be treated as domestic")
	}
}
