// Package models holds the plain data structures shared across the
// resolution pipeline: the raw supplier row read from the input file,
// the cleaned/normalized supplier, registry-side company and
// establishment records, and the outcome row written to checkpoint and
// report.
package models

import (
	"encoding/json"
	"strconv"
	"strings"
)

// RawRow is one row of the input supplier file, kept as a loosely typed
// map so the ingest layer does not need a fixed schema. Values crossing
// a worker boundary are always JSON-safe scalars: string, float64,
// bool, nil. No time.Time, no NaN, no +/-Inf.
type RawRow map[string]any

// String returns the trimmed string form of a field, or "" if absent.
func (r RawRow) String(keys ...string) string {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		default:
			return strings.TrimSpace(ToJSONSafeString(v))
		}
	}
	return ""
}

// InputID resolves the row's stable identifier following the same
// precedence the original pipeline uses: an explicit auxiliary key,
// then a generic input_id field, then the row index as a string.
func (r RawRow) InputID(fallbackIndex int) string {
	if id := r.String("Auxiliaire", "input_id"); id != "" {
		return id
	}
	return strconv.Itoa(fallbackIndex)
}

// CleanedSupplier is the output of the cleaning Oracle: a normalized
// name, search token, postal code and city suitable for registry
// lookups.
type CleanedSupplier struct {
	CleanName   string
	SearchToken string
	PostalCode  string
	City        string
	Address     string
}

// Establishment is one row from the registry's establishment
// partition (formerly an "etablissement").
type Establishment struct {
	Siret      string
	Siren      string
	City       string
	PostalCode string
	Address    string
	IsSiege    bool
}

// Company is one row from the registry's companies_active table
// (formerly "unite legale").
type Company struct {
	Siren         string
	Denomination  string
	NAFCode       string
	AdminState    string
}

// Candidate pairs an establishment with its parent company denomination
// and a similarity score accumulated during matching.
type Candidate struct {
	Establishment Establishment
	Denomination  string
	NameSim       float64
	CityMatch     bool
	AddrSim       float64
	Score100      float64
}

// MatchMethod enumerates how a MatchResult was produced.
type MatchMethod string

const (
	MethodDirectID   MatchMethod = "DIRECT_ID"
	MethodCalculated MatchMethod = "CALCULATED"
	MethodArbiter    MatchMethod = "ARBITER"
	MethodNotFound   MatchMethod = "NOT_FOUND"
	MethodNoLocation MatchMethod = "NO_LOCATION"
	MethodWebSearch  MatchMethod = "WEB_SEARCH"
	MethodNoName     MatchMethod = "NO_NAME"
	MethodError      MatchMethod = "ERROR"
)

// MatchResult is the outcome of resolving a single supplier row,
// independent of which branch (registry matcher or web search)
// produced it.
type MatchResult struct {
	InputID          string
	ResolvedSiret    string
	OfficialName     string
	ConfidenceScore  float64
	MatchMethod      MatchMethod
	Alternatives     []string
	FoundWebsite     string
	FoundAddress     string
	FoundPhone       string
	FoundEmail       string
	Country          string
	City             string
	PostalCode       string
	SearchMethod     string
	Error            string
	DebugStep        string
}

// ToRow renders the result into the unified 15-column report schema,
// in the exact column order the exporter writes.
func (m MatchResult) ToRow() []string {
	return []string{
		m.InputID,
		m.ResolvedSiret,
		m.OfficialName,
		ftoa(m.ConfidenceScore),
		string(m.MatchMethod),
		AlternativesJSON(m.Alternatives),
		m.FoundWebsite,
		m.FoundAddress,
		m.FoundPhone,
		m.FoundEmail,
		m.Country,
		m.City,
		m.PostalCode,
		m.SearchMethod,
		m.Error,
	}
}

// ReportColumns is the fixed header row for the unified CSV export.
var ReportColumns = []string{
	"input_id",
	"resolved_siret",
	"official_name",
	"confidence_score",
	"match_method",
	"alternatives",
	"found_website",
	"found_address",
	"found_phone",
	"found_email",
	"country",
	"city",
	"postal_code",
	"search_method",
	"error",
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

// AlternativesJSON renders alts as the JSON array literal spec.md §4.6
// requires for the report's alternatives column ("[]" for none, never
// a semicolon-joined string).
func AlternativesJSON(alts []string) string {
	if len(alts) == 0 {
		return "[]"
	}
	b, err := json.Marshal(alts)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// ParseAlternativesJSON is the inverse of AlternativesJSON, used when
// reading a checkpoint row back out; an empty or malformed value yields
// no alternatives rather than an error, since this only ever round-trips
// values this package itself wrote.
func ParseAlternativesJSON(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// ProgressRecord is emitted periodically by the worker pool to report
// pipeline throughput.
type ProgressRecord struct {
	Done  int
	Total int
	Rate  float64 // rows/sec
	ETA   float64 // seconds remaining
}

// ToJSONSafeString renders an arbitrary scalar to a string the way the
// ingest layer does before it crosses a worker boundary: no native
// timestamps, no NaN/Inf, absent values become "".
func ToJSONSafeString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		if t != t || t > 1e300 || t < -1e300 { // NaN or +/-Inf guard
			return ""
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}
