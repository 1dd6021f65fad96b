// Package search exposes the web-search capability declared to the model.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/kasa-chat/kasa/internal/config"
	"github.com/kasa-chat/kasa/internal/llm"
)

// ToolName is the single tool name declared to the model.
const ToolName = "web_search"

// Spec is the tool declaration: one required string parameter.
func Spec() llm.Tool {
	return llm.Tool{
		Name:        ToolName,
		Description: "Search the web for current information. Use for questions about recent events, prices, weather, or anything you are not certain about.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The search query",
				},
			},
			"required": []string{"query"},
		},
	}
}

// ParseQuery extracts the query string from the accumulated raw argument
// buffer. A buffer that fails to parse yields an empty query rather than an
// error, so a malformed tool call degrades instead of aborting the turn.
func ParseQuery(rawArgs string) string {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return ""
	}
	return strings.TrimSpace(args.Query)
}

// Client executes searches against the configured search API.
type Client struct {
	http   *resty.Client
	cfg    config.SearchConfig
	logger *zap.Logger
}

// NewClient creates a search client.
func NewClient(cfg config.SearchConfig, logger *zap.Logger) *Client {
	return &Client{
		http:   resty.New(),
		cfg:    cfg,
		logger: logger,
	}
}

type searchResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Execute runs one search and returns a provider-ready result block.
// Failures are converted into result text stating the search failed, never
// propagated, so the loop can continue and let the model answer without
// results.
func (c *Client) Execute(ctx context.Context, query string) string {
	if query == "" {
		return "No search query was provided."
	}

	var result searchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{
			"api_key":        c.cfg.APIKey,
			"query":          query,
			"max_results":    c.cfg.MaxResults,
			"include_answer": true,
		}).
		SetResult(&result).
		Post(c.cfg.URL)
	if err != nil {
		c.logger.Warn("search request failed", zap.String("query", query), zap.Error(err))
		return fmt.Sprintf("The search for %q failed. Answer from your own knowledge and say so.", query)
	}
	if resp.IsError() {
		c.logger.Warn("search request rejected",
			zap.String("query", query), zap.Int("status", resp.StatusCode()))
		return fmt.Sprintf("The search for %q failed. Answer from your own knowledge and say so.", query)
	}

	return formatResults(query, result)
}

func formatResults(query string, r searchResponse) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for %q:\n", query)
	if r.Answer != "" {
		fmt.Fprintf(&sb, "Summary: %s\n", r.Answer)
	}
	for i, res := range r.Results {
		fmt.Fprintf(&sb, "%d. %s (%s)\n%s\n", i+1, res.Title, res.URL, res.Content)
	}
	if r.Answer == "" && len(r.Results) == 0 {
		sb.WriteString("No results found.\n")
	}
	return sb.String()
}
