package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

// SearchConfig enables the providers behind the web_search tool.
type SearchConfig struct {
	GoogleAPIKey         string
	GoogleSearchEngineID string
	DisableDuckDuckGo    bool
	Logger               *slog.Logger
}

// InitTools returns the tools offered to the model. It is empty when no
// search provider could be set up.
func InitTools(ctx context.Context, cfg SearchConfig) []tool.BaseTool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var google, duck tool.InvokableTool
	if cfg.GoogleAPIKey != "" && cfg.GoogleSearchEngineID != "" {
		g, err := googlesearch.NewTool(ctx, &googlesearch.Config{
			ToolName:       "web_search_google",
			ToolDesc:       "Google Search Tool",
			APIKey:         cfg.GoogleAPIKey,
			SearchEngineID: cfg.GoogleSearchEngineID,
			Lang:           "en",
			Num:            5,
		})
		if err != nil {
			logger.Warn("google search disabled", "error", err)
		} else {
			google = g
		}
	}
	if !cfg.DisableDuckDuckGo {
		d, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
			ToolName:   "web_search_ddg",
			ToolDesc:   "DuckDuckGo Search Tool (no token required)",
			MaxResults: 3,
			Region:     duckduckgo.RegionWT,
			Timeout:    10 * time.Second,
		})
		if err != nil {
			logger.Warn("duckduckgo search disabled", "error", err)
		} else {
			duck = d
		}
	}
	ws := NewWebSearch(google, duck, logger)
	if ws == nil {
		logger.Info("web search tool disabled: no search providers available")
		return nil
	}
	return []tool.BaseTool{ws}
}

// NewWebSearch combines the providers into one web_search tool that falls
// back from google to duckduckgo and fetches URLs directly.
func NewWebSearch(google, duck tool.InvokableTool, logger *slog.Logger) tool.InvokableTool {
	if google == nil && duck == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	ws := &webSearchTool{
		google:     google,
		duck:       duck,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		limiter:    newToolRateLimiter(WebSearchRateLimit, WebSearchRateWindow),
		logger:     logger.With("component", "web_search"),
	}
	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for study material; " +
			"falls back to another provider if needed; " +
			"reads a URL directly when given one.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	limiter    *toolRateLimiter
	logger     *slog.Logger
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	key := "global"
	if id, ok := ConversationFromContext(ctx); ok {
		key = "conversation:" + id
	}
	if !w.limiter.Allow(key) {
		return "", errors.New("web search rate limit exceeded, please retry in a minute")
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return content, nil
		}
		w.logger.Warn("url fetch failed", "url", query, "error", err)
	}

	payload, err := json.Marshal(webSearchParams{Query: query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	if w.google != nil {
		result, err := w.google.InvokableRun(ctx, string(payload))
		if err == nil {
			return result, nil
		}
		w.logger.Warn("google search failed", "error", err)
	}
	if w.duck != nil {
		result, err := w.duck.InvokableRun(ctx, string(payload))
		if err == nil {
			return result, nil
		}
		w.logger.Warn("duckduckgo search failed", "error", err)
	}
	return "", errors.New("no search provider succeeded")
}
