package report

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/mouadarif/siret-resolver/internal/models"
)

func TestWriteCSVRoundTrips(t *testing.T) {
	results := []models.MatchResult{
		{
			InputID:         "sup-1",
			ResolvedSiret:   "12345678900012",
			OfficialName:    "ACME",
			ConfidenceScore: 0.95,
			MatchMethod:     models.MethodDirectID,
			Alternatives:    []string{"11111111100011", "22222222200022"},
		},
		{
			InputID:     "sup-2",
			MatchMethod: models.MethodNotFound,
		},
	}

	path := filepath.Join(t.TempDir(), "out.csv")
	if err := WriteCSV(path, results); err != nil {
		t.Fatalf("WriteCSV() error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening written csv: %v", err)
	}
	defer f.Close()

	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("reading written csv: %v", err)
	}
	if len(recs) != 3 { // header + 2 rows
		t.Fatalf("expected 3 records (header + 2 rows), got %d", len(recs))
	}
	if len(recs[0]) != len(models.ReportColumns) {
		t.Errorf("header has %d columns, want %d", len(recs[0]), len(models.ReportColumns))
	}
	if recs[1][0] != "sup-1" || recs[1][1] != "12345678900012" {
		t.Errorf("unexpected first data row: %v", recs[1])
	}
	if recs[1][3] != "0.95" {
		t.Errorf("confidence_score column = %q, want %q", recs[1][3], "0.95")
	}
	if recs[1][5] != `["11111111100011","22222222200022"]` {
		t.Errorf("alternatives column = %q, want a JSON array literal", recs[1][5])
	}
	if recs[2][5] != "[]" {
		t.Errorf("alternatives column with no alternatives = %q, want \"[]\"", recs[2][5])
	}
}
