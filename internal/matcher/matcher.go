// Package matcher implements the supplier-to-registry resolution state
// machine: direct ID lookup, oracle-cleaned strict local lookup, a
// location gate, broad full-text search, a secondary Levenshtein
// filter, weighted scoring, and a thresholded decision with an
// oracle-backed tie-break.
package matcher

import (
	"log"
	"regexp"
	"sort"
	"strings"

	"github.com/mouadarif/siret-resolver/internal/models"
	"github.com/mouadarif/siret-resolver/internal/oracle"
	"github.com/mouadarif/siret-resolver/internal/registry"
)

const (
	ftsCandidateLimit = 20
	scoreCalculated   = 80.0
	scoreNotFound     = 50.0
	maxCityDistance   = 3  // exclusive upper bound: city distance >= 3 is rejected
	maxAddrDistance   = 10 // exclusive upper bound: address distance >= 10 is rejected
)

var sirenFromNIF = regexp.MustCompile(`FR[0-9]{2}([0-9]{9})`)

// Matcher binds one Store and one Oracle; both must be private to the
// goroutine calling Match (no shared memoization across workers).
type Matcher struct {
	store *registry.Store
	or    oracle.Oracle
}

// New builds a Matcher from a registry handle and an oracle instance.
func New(store *registry.Store, or oracle.Oracle) *Matcher {
	return &Matcher{store: store, or: or}
}

// Match resolves a single raw supplier row, running the full S0-S7
// state sequence and returning the first terminal result.
func (m *Matcher) Match(raw models.RawRow) models.MatchResult {
	inputID := raw.String("Auxiliaire", "input_id")

	// S0: direct ID lookup, if the row already carries a SIRET/SIREN.
	if siret := extractSiret(raw); siret != "" {
		if est, co, ok, err := m.store.DirectLookup(siret); err == nil && ok {
			return models.MatchResult{
				InputID:         inputID,
				ResolvedSiret:   est.Siret,
				OfficialName:    co.Denomination,
				ConfidenceScore: 1.0,
				MatchMethod:     models.MethodDirectID,
				City:            est.City,
				PostalCode:      est.PostalCode,
				DebugStep:       "DIRECT_ID",
			}
		}
	}

	// S1: clean via oracle.
	cleaned := m.or.Clean(raw)
	if cleaned.CleanName == "" && cleaned.SearchToken == "UNKNOWN" {
		return models.MatchResult{
			InputID:     inputID,
			MatchMethod: models.MethodNoName,
			DebugStep:   "NO_NAME",
		}
	}

	// S2: strict local lookup in the cleaned postal prefix's partition,
	// keeping only establishments whose postal code equals the cleaned one.
	if len(cleaned.PostalCode) >= 2 {
		prefix := cleaned.PostalCode[:2]
		ests, companies, err := m.store.StrictLocalLookup(prefix, cleaned.CleanName)
		var exactEsts []models.Establishment
		var exactCos []models.Company
		for i, e := range ests {
			if e.PostalCode == cleaned.PostalCode {
				exactEsts = append(exactEsts, e)
				exactCos = append(exactCos, companies[i])
			}
		}
		if err == nil && len(exactEsts) == 1 {
			return models.MatchResult{
				InputID:         inputID,
				ResolvedSiret:   exactEsts[0].Siret,
				OfficialName:    exactCos[0].Denomination,
				ConfidenceScore: 0.95,
				MatchMethod:     models.MethodCalculated,
				City:            exactEsts[0].City,
				PostalCode:      exactEsts[0].PostalCode,
				DebugStep:       "STRICT_LOCAL",
			}
		}
	}

	// S3: location gate. Neither postal code nor city known: no way to
	// scope a broad search safely.
	if cleaned.PostalCode == "" && cleaned.City == "" {
		return models.MatchResult{
			InputID:     inputID,
			MatchMethod: models.MethodNotFound,
			DebugStep:   "NO_LOCATION",
		}
	}

	// S4: broad FTS search.
	ftsResults, err := m.store.FTSCandidates(cleaned.SearchToken, ftsCandidateLimit)
	if err != nil {
		log.Printf("[matcher] fts query failed for %q: %v", inputID, err)
	}
	if len(ftsResults) == 0 {
		return models.MatchResult{
			InputID:     inputID,
			MatchMethod: models.MethodNotFound,
			DebugStep:   "NO_FTS_HITS",
		}
	}

	sirens := make([]string, len(ftsResults))
	denomByEiren := make(map[string]string, len(ftsResults))
	for i, r := range ftsResults {
		sirens[i] = r.Siren
		denomByEiren[r.Siren] = r.Denomination
	}

	prefix := ""
	searchScope := "nationwide"
	if len(cleaned.PostalCode) >= 2 {
		prefix = cleaned.PostalCode[:2]
		searchScope = "department"
	}
	establishments, err := m.store.FetchBySirens(sirens, prefix)
	if err != nil {
		log.Printf("[matcher] fetch by sirens failed for %q: %v", inputID, err)
	}

	// S5: secondary Levenshtein filter on city/address, then weighted
	// scoring, sorted by score descending so alternatives and the tie
	// count are both computed over a stable, ranked order.
	candidates := m.buildCandidates(establishments, denomByEiren, cleaned)
	sortCandidatesByScoreDesc(candidates)
	if len(candidates) == 0 {
		return models.MatchResult{
			InputID:     inputID,
			MatchMethod: models.MethodNotFound,
			DebugStep:   "NO_CANDIDATES_AFTER_FILTER",
			SearchMethod: searchScope,
		}
	}

	best, tieCount := selectBest(candidates)

	// S6/S7: decide.
	switch {
	case best.Score100 > scoreCalculated:
		return models.MatchResult{
			InputID:         inputID,
			ResolvedSiret:   best.Establishment.Siret,
			OfficialName:    best.Denomination,
			ConfidenceScore: best.Score100 / 100,
			MatchMethod:     models.MethodCalculated,
			City:            best.Establishment.City,
			PostalCode:      best.Establishment.PostalCode,
			Alternatives:    alternativeSirets(candidates, best.Establishment.Siret),
			DebugStep:       "SCORED",
		}
	case best.Score100 < scoreNotFound:
		return models.MatchResult{
			InputID:     inputID,
			MatchMethod: models.MethodNotFound,
			DebugStep:   "LOW_SCORE",
		}
	case tieCount > 1:
		chosen := m.or.Arbitrate(cleaned.CleanName+" "+cleaned.City, candidates)
		if chosen == "" {
			chosen = best.Establishment.Siret
		}
		name := best.Denomination
		for _, c := range candidates {
			if c.Establishment.Siret == chosen {
				name = c.Denomination
				break
			}
		}
		return models.MatchResult{
			InputID:         inputID,
			ResolvedSiret:   chosen,
			OfficialName:    name,
			ConfidenceScore: best.Score100 / 100,
			MatchMethod:     models.MethodArbiter,
			Alternatives:    alternativeSirets(candidates, chosen),
			DebugStep:       "ARBITER",
		}
	default:
		return models.MatchResult{
			InputID:         inputID,
			ResolvedSiret:   best.Establishment.Siret,
			OfficialName:    best.Denomination,
			ConfidenceScore: best.Score100 / 100,
			MatchMethod:     models.MethodCalculated,
			City:            best.Establishment.City,
			PostalCode:      best.Establishment.PostalCode,
			Alternatives:    alternativeSirets(candidates, best.Establishment.Siret),
			DebugStep:       "BEST_EFFORT",
		}
	}
}

func (m *Matcher) buildCandidates(ests []registryEstablishment, denomByEiren map[string]string, cleaned models.CleanedSupplier) []models.Candidate {
	var out []models.Candidate
	for _, e := range ests {
		if cleaned.City != "" && Levenshtein(strings.ToUpper(e.City), cleaned.City) >= maxCityDistance {
			continue
		}
		denom := denomByEiren[e.Siren]
		nameSim := TokenSortRatio(denom, cleaned.CleanName) / 100
		setSim := TokenSetRatio(denom, cleaned.CleanName) / 100
		if setSim > nameSim {
			nameSim = setSim
		}
		cityMatch := cleaned.City != "" && strings.EqualFold(e.City, cleaned.City)
		addrSim := 0.0
		if cleaned.Address != "" {
			addrDist := Levenshtein(strings.ToUpper(e.Address), cleaned.Address)
			if addrDist >= maxAddrDistance {
				continue
			}
			addrSim = 1.0 - float64(addrDist)/float64(maxAddrDistance)
		}
		score := weightedScore(nameSim, cityMatch, addrSim, e.IsSiege)
		out = append(out, models.Candidate{
			Establishment: e,
			Denomination:  denom,
			NameSim:       nameSim,
			CityMatch:     cityMatch,
			AddrSim:       addrSim,
			Score100:      score,
		})
	}
	return out
}

// registryEstablishment is an alias kept local to this file purely for
// readability; it is the same type registry.Store returns.
type registryEstablishment = models.Establishment

func weightedScore(nameSim float64, cityMatch bool, addrSim float64, isSiege bool) float64 {
	score := 0.0
	if nameSim > 0.9 {
		score += 40
	}
	if cityMatch {
		score += 30
	}
	if addrSim > 0.8 {
		score += 20
	}
	if isSiege {
		score += 10
	}
	return score
}

// maxAlternatives caps the alternatives list at the up-to-5 sirets
// spec.md §3 requires, taken from the head of the score-descending list.
const maxAlternatives = 5

func sortCandidatesByScoreDesc(candidates []models.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score100 > candidates[j].Score100
	})
}

func selectBest(candidates []models.Candidate) (models.Candidate, int) {
	best := candidates[0]
	tieCount := 1
	for _, c := range candidates[1:] {
		if c.Score100 > best.Score100 {
			best = c
			tieCount = 1
		} else if c.Score100 == best.Score100 {
			tieCount++
		}
	}
	return best, tieCount
}

// alternativeSirets returns up to maxAlternatives sirets from candidates
// (assumed already sorted by score descending), excluding the chosen one.
func alternativeSirets(candidates []models.Candidate, exclude string) []string {
	var out []string
	for _, c := range candidates {
		if len(out) >= maxAlternatives {
			break
		}
		if c.Establishment.Siret != exclude {
			out = append(out, c.Establishment.Siret)
		}
	}
	return out
}

func extractSiret(raw models.RawRow) string {
	if s := digitsOnly(raw.String("SIRET", "Siret")); len(s) == 14 {
		return s
	}
	if s := digitsOnly(raw.String("SIRET", "Siret")); len(s) > 0 && len(s) < 14 {
		return padLeft(s, 14)
	}
	nif := raw.String("NIF", "TVA", "VAT")
	if m := sirenFromNIF.FindStringSubmatch(nif); m != nil {
		return "" // NIF yields a SIREN, not a SIRET; debug-only per original, no direct lookup
	}
	return ""
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func padLeft(s string, n int) string {
	for len(s) < n {
		s = "0" + s
	}
	return s
}
