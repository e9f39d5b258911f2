// Package ingest loads the supplier input file (.xlsx or .csv) into
// raw rows, preserving ID/postal columns as strings the way the
// teacher's CSV ingest keeps identifier columns string-typed, and
// infers which resolution branch (domestic registry vs web search)
// each row belongs to.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/mouadarif/siret-resolver/internal/models"
)

// stringPreservedColumns never get numeric coercion, matching the
// original pipeline's explicit dtype=str override for ID/postal
// columns (pandas would otherwise turn "00150" into 150).
var stringPreservedColumns = map[string]bool{
	"auxiliaire": true,
	"siret":      true,
	"siren":      true,
	"postal":     true,
	"nif":        true,
	"tva":        true,
}

// Load reads path (.xlsx or .csv) and returns one RawRow per data row.
func Load(path string) ([]models.RawRow, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return loadXLSX(path)
	case ".csv":
		return loadCSV(path)
	default:
		return nil, fmt.Errorf("ingest: unsupported file extension %q", filepath.Ext(path))
	}
}

func loadXLSX(path string) ([]models.RawRow, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer f.Close()

	sheet := f.GetSheetList()[0]
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	header := rows[0]
	out := make([]models.RawRow, 0, len(rows)-1)
	for _, rec := range rows[1:] {
		out = append(out, recordToRow(header, rec))
	}
	return out, nil
}

func loadCSV(path string) ([]models.RawRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, err
	}

	var out []models.RawRow
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		out = append(out, recordToRow(header, rec))
	}
	return out, nil
}

func recordToRow(header, rec []string) models.RawRow {
	row := make(models.RawRow, len(header))
	for i, h := range header {
		if i >= len(rec) {
			continue
		}
		key := strings.TrimSpace(h)
		value := strings.TrimSpace(rec[i])
		lower := strings.ToLower(key)
		if stringPreservedColumns[lower] || value == "" {
			row[key] = value
			continue
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				row[key] = nil
			} else {
				row[key] = f
			}
			continue
		}
		row[key] = value
	}
	return row
}

// IsDomestic reports whether a row's country column indicates the
// domestic registry (empty/blank defaults to domestic, matching the
// original pipeline's assumption that un-labeled rows are French).
func IsDomestic(raw models.RawRow, domesticCode string) bool {
	country := strings.ToUpper(raw.String("Pays", "Country"))
	if country == "" {
		return true
	}
	return country == strings.ToUpper(domesticCode)
}
