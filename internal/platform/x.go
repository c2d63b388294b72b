package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/autopost/internal/external"
	"github.com/kiranshivaraju/autopost/pkg/models"
	"golang.org/x/time/rate"
)

const (
	defaultXBaseURL   = "https://api.x.com"
	defaultXMaxRunes  = 280
	maxXResponseBytes = 64 << 10
)

// XConfig configures the X client.
type XConfig struct {
	BaseURL        string
	MaxTextRunes   int
	PostsPerSecond float64
}

// XClient posts to the X v2 API.
type XClient struct {
	http     external.Doer
	baseURL  string
	maxRunes int
	limiter  *rate.Limiter
}

func NewXClient(doer external.Doer, cfg XConfig) *XClient {
	base := cfg.BaseURL
	if base == "" {
		base = defaultXBaseURL
	}
	maxRunes := cfg.MaxTextRunes
	if maxRunes <= 0 {
		maxRunes = defaultXMaxRunes
	}
	limit := rate.Inf
	if cfg.PostsPerSecond > 0 {
		limit = rate.Limit(cfg.PostsPerSecond)
	}
	return &XClient{
		http:     doer,
		baseURL:  strings.TrimSuffix(base, "/"),
		maxRunes: maxRunes,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

func (c *XClient) Name() models.Platform { return models.PlatformX }

func (c *XClient) MaxTextRunes() int { return c.maxRunes }

type xTweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Post creates a tweet. The limiter spaces consecutive posts out so a batch
// does not burst against the per-app rate limit.
func (c *XClient) Post(ctx context.Context, accessToken, text string) (PostOutcome, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return PostOutcome{}, fmt.Errorf("wait for post slot: %w", err)
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return PostOutcome{}, fmt.Errorf("encode tweet: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/2/tweets", bytes.NewReader(payload))
	if err != nil {
		return PostOutcome{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return PostOutcome{}, fmt.Errorf("post tweet: %w", err)
	}
	defer resp.Body.Close()

	body := external.ReadBody(resp.Body, maxXResponseBytes)
	out := Classify(resp.StatusCode, string(body))
	if out.Kind != OutcomeSent {
		return out, nil
	}

	var parsed xTweetResponse
	if err := json.Unmarshal(body, &parsed); err == nil {
		out.ExternalID = parsed.Data.ID
	}
	return out, nil
}

var _ AutomatedPlatform = (*XClient)(nil)
