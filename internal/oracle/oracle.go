// Package oracle provides the pluggable cleaning/arbitration step the
// matcher calls at S1 (clean) and S6 (tie-break). Oracle is the
// interface the matcher depends on; Offline is a deterministic
// heuristic and Remote wraps a REST call to a configured LLM provider,
// degrading to Offline on any failure.
package oracle

import (
	"strings"
	"sync"
	"unicode"

	"github.com/mouadarif/siret-resolver/internal/models"
)

// Oracle cleans a raw supplier row into a normalized search form, and
// arbitrates between tied candidates when the matcher cannot decide on
// its own.
type Oracle interface {
	Clean(raw models.RawRow) models.CleanedSupplier
	Arbitrate(question string, candidates []models.Candidate) string // returns chosen siret
}

var legalSuffixes = []string{
	"SASU", "SAS", "SARL", "EURL", "SA", "SCI", "SNC", "SC", "SCA",
	"SCOP", "SELARL", "SELAFA", "GIE", "ASSOCIATION",
}

// Offline is the no-network heuristic cleaner/arbiter, grounded on the
// original pipeline's OfflineHeuristicLLM: it strips legal suffixes to
// build a search token, extracts a 5-digit postal code, and uppercases
// the city, falling back to this implementation whenever a remote
// provider is unavailable or errors.
type Offline struct {
	mu    sync.Mutex
	cache map[string]models.CleanedSupplier
}

// NewOffline returns a ready-to-use Offline oracle with its own
// memoization cache, never shared across worker instances.
func NewOffline() *Offline {
	return &Offline{cache: make(map[string]models.CleanedSupplier)}
}

func (o *Offline) Clean(raw models.RawRow) models.CleanedSupplier {
	key := raw.String("Nom", "Name") + "|" + raw.String("Adresse 1", "Address") + "|" +
		raw.String("Postal", "Postal Code") + "|" + raw.String("Ville", "City")

	o.mu.Lock()
	if cached, ok := o.cache[key]; ok {
		o.mu.Unlock()
		return cached
	}
	o.mu.Unlock()

	name := strings.ToUpper(strings.TrimSpace(raw.String("Nom", "Name")))
	cleanName := stripLegalSuffixes(name)
	token := searchToken(cleanName)
	postal := extractPostal(raw.String("Postal", "Postal Code", "Adresse 1", "Address"))
	city := strings.ToUpper(strings.TrimSpace(raw.String("Ville", "City")))
	address := strings.ToUpper(strings.TrimSpace(raw.String("Adresse 1", "Address")))

	result := models.CleanedSupplier{
		CleanName:   cleanName,
		SearchToken: token,
		PostalCode:  postal,
		City:        city,
		Address:     address,
	}

	o.mu.Lock()
	o.cache[key] = result
	o.mu.Unlock()
	return result
}

func (o *Offline) Arbitrate(question string, candidates []models.Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	// Prefer a siège establishment, as the original heuristic does.
	for _, c := range candidates {
		if c.Establishment.IsSiege {
			return c.Establishment.Siret
		}
	}
	// Otherwise prefer the candidate whose address shares the most
	// tokens with the question text; default to the first on a tie.
	qTokens := tokenize(question)
	best := candidates[0]
	bestHits := tokenOverlap(qTokens, tokenize(best.Establishment.Address))
	for _, c := range candidates[1:] {
		hits := tokenOverlap(qTokens, tokenize(c.Establishment.Address))
		if hits > bestHits {
			best = c
			bestHits = hits
		}
	}
	return best.Establishment.Siret
}

func stripLegalSuffixes(name string) string {
	out := name
	for _, suffix := range legalSuffixes {
		out = removeWholeWord(out, suffix)
	}
	return strings.TrimSpace(joinSpaces(out))
}

func removeWholeWord(s, word string) string {
	tokens := strings.Fields(s)
	kept := tokens[:0]
	for _, t := range tokens {
		if t != word {
			kept = append(kept, t)
		}
	}
	return strings.Join(kept, " ")
}

func joinSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// searchToken picks the longest alphanumeric token not itself a legal
// suffix, falling back to a 20-character prefix of the clean name or
// "UNKNOWN" when the name is empty.
func searchToken(cleanName string) string {
	tokens := strings.FieldsFunc(cleanName, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var longest string
	for _, t := range tokens {
		if isSuffix(t) {
			continue
		}
		if len(t) > len(longest) {
			longest = t
		}
	}
	if longest != "" {
		return longest
	}
	if cleanName == "" {
		return "UNKNOWN"
	}
	if len(cleanName) > 20 {
		return cleanName[:20]
	}
	return cleanName
}

func isSuffix(token string) bool {
	for _, s := range legalSuffixes {
		if token == s {
			return true
		}
	}
	return false
}

func extractPostal(s string) string {
	digitsRun := ""
	best := ""
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digitsRun += string(r)
			if len(digitsRun) == 5 {
				if digitsRun != "00000" {
					best = digitsRun
				}
				digitsRun = digitsRun[1:]
			}
		} else {
			digitsRun = ""
		}
	}
	return best
}

func tokenize(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToUpper(s)) {
		set[t] = true
	}
	return set
}

func tokenOverlap(a, b map[string]bool) int {
	n := 0
	for t := range a {
		if b[t] {
			n++
		}
	}
	return n
}
