// Package websearch implements the non-domestic resolution branch: a
// SerpAPI search for the supplier's likely website followed by a
// goquery scrape of that page for address/phone/email, emitting into
// the same unified report row shape the registry matcher uses.
// Grounded in the teacher's services/serp.go (SerpAPI client) and
// services/scraper.go (goquery-based page scraping), generalized from
// person/email discovery to company-info discovery, with an output
// schema taken from the original pipeline's GoogleSearchResult.
package websearch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type serpResult struct {
	OrganicResults []struct {
		Title string `json:"title"`
		Link  string `json:"link"`
	} `json:"organic_results"`
}

// SerpClient wraps a SerpAPI search call, the same REST shape as
// services/serp.go's SerpGoogle.
type SerpClient struct {
	apiKey string
	client *http.Client
}

// NewSerpClient builds a client for the given SerpAPI credential.
func NewSerpClient(apiKey string) *SerpClient {
	return &SerpClient{apiKey: apiKey, client: &http.Client{Timeout: 15 * time.Second}}
}

// TopResultLink searches query and returns the first organic result's
// link, or "" if the search yields nothing or the client has no key.
func (c *SerpClient) TopResultLink(query string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("websearch: no SERPAPI_KEY configured")
	}
	u := "https://serpapi.com/search.json?engine=google&q=" + url.QueryEscape(query) + "&api_key=" + c.apiKey

	resp, err := c.client.Get(u)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed serpResult
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.OrganicResults) == 0 {
		return "", nil
	}
	return parsed.OrganicResults[0].Link, nil
}
