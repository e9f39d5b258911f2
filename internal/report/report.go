// Package report writes the unified 15-column CSV export the checkpoint
// store and the web-search branch both feed into, in the fixed column
// order models.ReportColumns defines.
package report

import (
	"encoding/csv"
	"os"

	"github.com/mouadarif/siret-resolver/internal/models"
)

// WriteCSV writes header + one row per result to path, overwriting any
// existing file, matching the teacher's encoding/csv writer idiom from
// its CSV ingest code reused here for export.
func WriteCSV(path string, results []models.MatchResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write(models.ReportColumns); err != nil {
		return err
	}
	for _, r := range results {
		if err := w.Write(r.ToRow()); err != nil {
			return err
		}
	}
	return w.Error()
}
