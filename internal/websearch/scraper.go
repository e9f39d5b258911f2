package websearch

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/mouadarif/siret-resolver/internal/models"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
var phonePattern = regexp.MustCompile(`\+?[0-9][0-9 .\-()]{7,}[0-9]`)

const (
	confidenceScraped = 0.65
	confidenceGuessed = 0.50
)

// Oracle resolves non-domestic suppliers via search + scrape, used as
// the alternate branch to internal/matcher for rows whose country
// is not the domestic registry's.
type Oracle struct {
	serp *SerpClient
}

// NewOracle builds a web-search Oracle backed by the given SerpAPI
// client.
func NewOracle(serp *SerpClient) *Oracle {
	return &Oracle{serp: serp}
}

// Resolve searches for and scrapes company info for one raw supplier
// row, returning a MatchResult with method WEB_SEARCH (or NO_NAME /
// ERROR on failure), matching the original GoogleSearchResult schema.
func (o *Oracle) Resolve(raw models.RawRow) models.MatchResult {
	inputID := raw.String("Auxiliaire", "input_id")
	name := raw.String("Nom", "Name")
	country := raw.String("Pays", "Country")
	city := raw.String("Ville", "City")
	postal := raw.String("Postal", "Postal Code")

	if name == "" {
		return models.MatchResult{
			InputID:     inputID,
			Country:     orUnknown(country),
			City:        city,
			PostalCode:  postal,
			MatchMethod: models.MethodNoName,
		}
	}

	query := name
	if city != "" {
		query += " " + city
	}
	if country != "" {
		query += " " + country
	}

	link, err := o.serp.TopResultLink(query)
	if err != nil || link == "" {
		return models.MatchResult{
			InputID:      inputID,
			OfficialName: name,
			Country:      orUnknown(country),
			City:         city,
			PostalCode:   postal,
			MatchMethod:  models.MethodError,
			SearchMethod: "SERP_NO_RESULT",
		}
	}

	address, phone, email, confidence := scrape(link)

	return models.MatchResult{
		InputID:         inputID,
		OfficialName:    name,
		ConfidenceScore: confidence,
		MatchMethod:     models.MethodWebSearch,
		FoundWebsite:    link,
		FoundAddress:    address,
		FoundPhone:      phone,
		FoundEmail:      email,
		Country:         orUnknown(country),
		City:            city,
		PostalCode:      postal,
		SearchMethod:    "WEB_SEARCH",
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "UNKNOWN"
	}
	return s
}

func scrape(link string) (address, phone, email string, confidence float64) {
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Get(link)
	if err != nil {
		return "", "", "", 0
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", "", "", 0
	}

	doc.Find("script, style, nav, footer, header").Remove()
	text := strings.Join(strings.Fields(doc.Text()), " ")

	if m := emailPattern.FindString(text); m != "" {
		email = m
		confidence = confidenceScraped
	}
	if m := phonePattern.FindString(text); m != "" {
		phone = strings.TrimSpace(m)
	}

	address = findAddressContext(doc)

	if email == "" && (address != "" || phone != "") {
		confidence = confidenceGuessed
	}
	return address, phone, email, confidence
}

// findAddressContext looks for a footer/contact element's text as a
// best-effort address candidate, the same "look in likely DOM
// locations" heuristic the teacher's scraper uses before falling back
// to an LLM guess -- here we stop at the heuristic since no LLM
// dependency is wired into this package.
func findAddressContext(doc *goquery.Document) string {
	var found string
	doc.Find(`[class*="address"], [id*="address"], address`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(strings.Join(strings.Fields(s.Text()), " "))
		if len(text) > 10 && len(text) < 200 {
			found = text
			return false
		}
		return true
	})
	return found
}
