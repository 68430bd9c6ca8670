package moderation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/teddyo/teddyvoice/internal/cache"
)

const moderationURL = "https://api.openai.com/v1/moderations"

// OpenAIModeration checks content against the OpenAI moderation endpoint.
// Verdicts are cached by content hash so repeated phrases (and the canned
// replies we produce ourselves) do not burn quota.
type OpenAIModeration struct {
	apiKey string
	client *http.Client
	cache  cache.Cache
	ttl    time.Duration
}

func NewOpenAIModeration(apiKey string, c cache.Cache) *OpenAIModeration {
	return &OpenAIModeration{
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
		cache:  c,
		ttl:    time.Hour,
	}
}

type moderationRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type moderationResponse struct {
	Results []struct {
		Flagged    bool            `json:"flagged"`
		Categories map[string]bool `json:"categories"`
	} `json:"results"`
}

func (m *OpenAIModeration) CheckContent(ctx context.Context, text string) (Decision, error) {
	if strings.TrimSpace(text) == "" {
		return Decision{Allowed: true}, nil
	}

	key := cacheKey(text)
	if m.cache != nil {
		var cached Decision
		if hit, err := m.cache.GetJSON(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}

	dec, err := m.check(ctx, text)
	if err != nil {
		return Decision{}, err
	}

	if m.cache != nil {
		_ = m.cache.SetJSON(ctx, key, dec, m.ttl)
	}
	return dec, nil
}

func (m *OpenAIModeration) check(ctx context.Context, text string) (Decision, error) {
	body, err := json.Marshal(moderationRequest{Input: text, Model: "omni-moderation-latest"})
	if err != nil {
		return Decision{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, moderationURL, bytes.NewReader(body))
	if err != nil {
		return Decision{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return Decision{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Decision{}, fmt.Errorf("moderation api status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed moderationResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Decision{}, err
	}
	if len(parsed.Results) == 0 {
		return Decision{}, fmt.Errorf("moderation api returned no results")
	}

	r := parsed.Results[0]
	if !r.Flagged {
		return Decision{Allowed: true}, nil
	}

	flagged := make([]string, 0, len(r.Categories))
	for name, hit := range r.Categories {
		if hit {
			flagged = append(flagged, name)
		}
	}
	sort.Strings(flagged)
	return Decision{Allowed: false, Reason: strings.Join(flagged, ", ")}, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "moderation:" + hex.EncodeToString(sum[:])
}
