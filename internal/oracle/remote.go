package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/mouadarif/siret-resolver/internal/config"
	"github.com/mouadarif/siret-resolver/internal/models"
)

// Remote consults a configured LLM provider to clean a supplier row and
// to arbitrate between tied candidates, falling back to an embedded
// Offline oracle whenever the call errors, times out, or is
// unconfigured. This mirrors the teacher's AskLLM dispatch
// (services/llm.go) fanning out to AskOpenAI/AskClaude/AskGemini, but
// generalized to one provider-agnostic Oracle interface.
type Remote struct {
	cfg      config.Oracle
	fallback *Offline
	client   *http.Client

	mu    sync.RWMutex
	cache map[string]models.CleanedSupplier
}

// NewRemote builds a Remote oracle for the given configuration. It is
// always backed by its own Offline instance; no state is shared with
// any other worker's oracle.
func NewRemote(cfg config.Oracle) *Remote {
	return &Remote{
		cfg:      cfg,
		fallback: NewOffline(),
		client:   &http.Client{Timeout: 20 * time.Second},
		cache:    make(map[string]models.CleanedSupplier),
	}
}

func (r *Remote) Clean(raw models.RawRow) models.CleanedSupplier {
	key := raw.String("Nom", "Name") + "|" + raw.String("Adresse 1", "Address") + "|" +
		raw.String("Postal", "Postal Code") + "|" + raw.String("Ville", "City")

	r.mu.RLock()
	if cached, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	sys := "You clean and normalize a French business registry supplier record. Return strict JSON with keys clean_name, search_token, postal_code, city."
	user := fmt.Sprintf("Nom: %s\nAdresse: %s\nPostal: %s\nVille: %s",
		raw.String("Nom", "Name"), raw.String("Adresse 1", "Address"),
		raw.String("Postal", "Postal Code"), raw.String("Ville", "City"))

	text, err := r.ask(sys, user)
	if err != nil {
		log.Printf("[oracle] remote clean failed, falling back to offline: %v", err)
		return r.fallback.Clean(raw)
	}

	var parsed struct {
		CleanName   string `json:"clean_name"`
		SearchToken string `json:"search_token"`
		PostalCode  string `json:"postal_code"`
		City        string `json:"city"`
		Address     string `json:"address"`
	}
	if err := json.Unmarshal(extractJSONObject(text), &parsed); err != nil {
		log.Printf("[oracle] remote clean returned unparseable JSON, falling back to offline: %v", err)
		return r.fallback.Clean(raw)
	}

	result := models.CleanedSupplier{
		CleanName:   parsed.CleanName,
		SearchToken: parsed.SearchToken,
		PostalCode:  parsed.PostalCode,
		City:        parsed.City,
		Address:     parsed.Address,
	}
	r.mu.Lock()
	r.cache[key] = result
	r.mu.Unlock()
	return result
}

func (r *Remote) Arbitrate(question string, candidates []models.Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	sys := "You are an arbiter choosing between near-tied business registry candidates. Reply with only the chosen SIRET."
	user := question + "\n" + renderCandidates(candidates)

	text, err := r.ask(sys, user)
	if err != nil {
		log.Printf("[oracle] remote arbitrate failed, falling back to offline: %v", err)
		return r.fallback.Arbitrate(question, candidates)
	}
	chosen := extractSiret(text, candidates)
	if chosen == "" {
		return r.fallback.Arbitrate(question, candidates)
	}
	return chosen
}

func renderCandidates(candidates []models.Candidate) string {
	out := ""
	for _, c := range candidates {
		out += fmt.Sprintf("SIRET=%s name=%s address=%s siege=%v score=%.1f\n",
			c.Establishment.Siret, c.Denomination, c.Establishment.Address, c.Establishment.IsSiege, c.Score100)
	}
	return out
}

func extractSiret(text string, candidates []models.Candidate) string {
	for _, c := range candidates {
		if containsSiret(text, c.Establishment.Siret) {
			return c.Establishment.Siret
		}
	}
	return ""
}

func containsSiret(haystack, siret string) bool {
	return len(siret) > 0 && indexOf(haystack, siret) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// ask dispatches to the configured provider's REST call, the same
// one-call-site-per-provider shape as services/llm.go's AskLLM.
func (r *Remote) ask(sys, user string) (string, error) {
	switch r.cfg.Provider {
	case config.ProviderOpenAI:
		return r.askOpenAI(sys, user)
	case config.ProviderAnthropic:
		return r.askAnthropic(sys, user)
	case config.ProviderGemini:
		return r.askGemini(sys, user)
	default:
		return "", fmt.Errorf("oracle: no remote provider configured")
	}
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (r *Remote) askOpenAI(sys, user string) (string, error) {
	model := r.cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	payload := openAIRequest{
		Model: model,
		Messages: []openAIMessage{
			{Role: "system", Content: sys},
			{Role: "user", Content: user},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Error != nil {
		return "", fmt.Errorf("openai: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openai: empty response")
	}
	return out.Choices[0].Message.Content, nil
}

type anthropicRequest struct {
	Model     string              `json:"model"`
	System    string              `json:"system"`
	MaxTokens int                 `json:"max_tokens"`
	Messages  []anthropicMessage  `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (r *Remote) askAnthropic(sys, user string) (string, error) {
	model := r.cfg.Model
	if model == "" {
		model = "claude-3-5-sonnet-latest"
	}
	payload := anthropicRequest{
		Model:     model,
		System:    sys,
		MaxTokens: 1024,
		Messages:  []anthropicMessage{{Role: "user", Content: user}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", r.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Error != nil {
		return "", fmt.Errorf("anthropic: %s", out.Error.Message)
	}
	if len(out.Content) == 0 {
		return "", fmt.Errorf("anthropic: empty response")
	}
	return out.Content[0].Text, nil
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (r *Remote) askGemini(sys, user string) (string, error) {
	model := r.cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s", model, r.cfg.APIKey)
	payload := geminiRequest{Contents: []geminiContent{{Parts: []geminiPart{{Text: sys + "\n\n" + user}}}}}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Error != nil {
		return "", fmt.Errorf("gemini: %s", out.Error.Message)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini: empty response")
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}

func extractJSONObject(text string) []byte {
	start := indexOfByte(text, '{')
	end := lastIndexOfByte(text, '}')
	if start < 0 || end < 0 || end < start {
		return []byte("{}")
	}
	return []byte(text[start : end+1])
}

func indexOfByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func lastIndexOfByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
