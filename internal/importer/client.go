package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/scrumdeck/scrumdeck/internal/protocol"
)

// Issue is one normalized work item from the external tracker.
type Issue struct {
	Key         string `json:"key"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	URL         string `json:"url"`
}

type searchResponse struct {
	Issues []struct {
		Key    string `json:"key"`
		Self   string `json:"self"`
		Fields struct {
			Summary     string `json:"summary"`
			Description string `json:"description"`
			Status      struct {
				Name string `json:"name"`
			} `json:"status"`
			Priority struct {
				Name string `json:"name"`
			} `json:"priority"`
		} `json:"fields"`
	} `json:"issues"`
}

// Client talks to a Jira-style issue tracker. It is consumed as a plain
// request/response data source; nothing in the room protocol depends on
// its availability.
type Client struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

// NewClient creates a tracker client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: make(map[string]string),
	}
}

// SetHeader adds a header sent with every request, e.g. authorization.
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// SetTimeout overrides the default request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

// Search runs a query against the tracker's search endpoint and returns
// the matching issues as a batch.
func (c *Client) Search(ctx context.Context, query string) ([]Issue, error) {
	endpoint := fmt.Sprintf("%s/rest/api/2/search?jql=%s", c.baseURL, url.QueryEscape(query))

	body, err := c.makeRequest(ctx, http.MethodGet, endpoint)
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	issues := make([]Issue, 0, len(resp.Issues))
	for _, raw := range resp.Issues {
		issues = append(issues, Issue{
			Key:         raw.Key,
			Summary:     raw.Fields.Summary,
			Description: raw.Fields.Description,
			Status:      raw.Fields.Status.Name,
			Priority:    raw.Fields.Priority.Name,
			URL:         raw.Self,
		})
	}
	return issues, nil
}

func (c *Client) makeRequest(ctx context.Context, method, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tracker returned status code: %d, response: %s", resp.StatusCode, string(responseBody))
	}

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return responseBody, nil
}

// ToWorkItems normalizes a batch of issues into protocol tickets. The
// issue key leads the text so estimates stay traceable to the tracker.
func ToWorkItems(issues []Issue) []protocol.Ticket {
	tickets := make([]protocol.Ticket, 0, len(issues))
	for _, issue := range issues {
		text := issue.Summary
		if issue.Key != "" {
			text = issue.Key + ": " + text
		}
		tickets = append(tickets, protocol.Ticket{Text: text})
	}
	return tickets
}
