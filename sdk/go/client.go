package productlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Productline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Product represents the API product model.
type Product struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	TemplateType string `json:"template_type"`
	Status       string `json:"status"`
	Description  string `json:"description,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// Rule represents the API rule model.
type Rule struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	RuleType    string          `json:"rule_type,omitempty"`
	Expression  json.RawMessage `json:"expression"`
	InputPaths  []string        `json:"input_paths"`
	OutputPaths []string        `json:"output_paths"`
	Enabled     bool            `json:"enabled"`
	OrderIndex  int             `json:"order_index"`
}

// RuleResult is the outcome of one rule in an evaluation run.
type RuleResult struct {
	RuleID     string         `json:"rule_id"`
	Stage      int            `json:"stage"`
	Status     string         `json:"status"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	SkipReason string         `json:"skip_reason,omitempty"`
	Missing    []string       `json:"missing,omitempty"`
	DurationMS float64        `json:"duration_ms"`
}

// EvaluateOptions are per-request evaluation options.
type EvaluateOptions struct {
	Inputs map[string]any `json:"inputs,omitempty"`
	// RuleIDs restricts the run to a subset of the product's rules.
	RuleIDs []string `json:"rule_ids,omitempty"`
	// MaxTimeMS bounds the run; zero uses the server's configured timeout.
	MaxTimeMS int  `json:"max_time_ms,omitempty"`
	Debug     bool `json:"debug,omitempty"`
}

// CloneResult summarizes what a clone copied.
type CloneResult struct {
	Product            Product           `json:"product"`
	DataTypes          int               `json:"datatypes"`
	Enumerations       int               `json:"enumerations"`
	AbstractAttributes int               `json:"abstract_attributes"`
	Attributes         int               `json:"attributes"`
	Rules              int               `json:"rules"`
	Functionalities    int               `json:"functionalities"`
	PathMap            map[string]string `json:"path_map"`
}

// EvaluationResult is the outcome of a whole evaluation run.
type EvaluationResult struct {
	ProductID  string         `json:"product_id"`
	Stages     int            `json:"stages"`
	Results    []RuleResult   `json:"results"`
	Outputs    map[string]any `json:"outputs"`
	Evaluated  int            `json:"evaluated"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	DurationMS float64        `json:"duration_ms"`
}

// PlanStage is one level of the execution order.
type PlanStage struct {
	Level    int      `json:"level"`
	Parallel bool     `json:"parallel"`
	Rules    []string `json:"rules"`
}

// Plan is the staged execution order of a product's rules.
type Plan struct {
	TotalRules  int         `json:"total_rules"`
	TotalStages int         `json:"total_stages"`
	Stages      []PlanStage `json:"stages"`
}

// ImpactedPath is one attribute reached by an impact traversal.
type ImpactedPath struct {
	Path     string `json:"path"`
	Distance int    `json:"distance"`
	RuleID   string `json:"rule_id,omitempty"`
}

// ImpactAnalysis describes what depends on an attribute.
type ImpactAnalysis struct {
	Path                    string         `json:"path"`
	Upstream                []ImpactedPath `json:"upstream"`
	Downstream              []ImpactedPath `json:"downstream"`
	AffectedFunctionalities []string       `json:"affected_functionalities"`
	ImmutablePaths          []string       `json:"immutable_paths"`
	HasImmutableDependents  bool           `json:"has_immutable_dependents"`
}

// ModificationCheck says whether an attribute can change in place.
type ModificationCheck struct {
	Path                    string   `json:"path"`
	Allowed                 bool     `json:"allowed"`
	Reason                  string   `json:"reason,omitempty"`
	ImmutablePaths          []string `json:"immutable_paths"`
	AffectedFunctionalities []string `json:"affected_functionalities"`
}

// Event represents a change-log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProductID  string         `json:"product_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProduct creates a product in DRAFT.
func (c *Client) CreateProduct(ctx context.Context, id, name, templateType string) (Product, error) {
	body := map[string]any{
		"id":            id,
		"name":          name,
		"template_type": templateType,
	}
	var resp Product
	err := c.do(ctx, http.MethodPost, "products", body, &resp)
	return resp, err
}

// GetProduct fetches one product.
func (c *Client) GetProduct(ctx context.Context, id string) (Product, error) {
	var resp Product
	err := c.do(ctx, http.MethodGet, c.productPath(id, ""), nil, &resp)
	return resp, err
}

// ListProducts returns every product.
func (c *Client) ListProducts(ctx context.Context) ([]Product, error) {
	var resp []Product
	err := c.do(ctx, http.MethodGet, "products", nil, &resp)
	return resp, err
}

// SetProductStatus moves a product through its lifecycle.
func (c *Client) SetProductStatus(ctx context.Context, id, status string) (Product, error) {
	var resp Product
	err := c.do(ctx, http.MethodPost, c.productPath(id, "status"), map[string]any{"status": status}, &resp)
	return resp, err
}

// CreateRule creates a rule. Expression must be valid JSON.
func (c *Client) CreateRule(ctx context.Context, productID string, expression json.RawMessage, inputs, outputs []string) (Rule, error) {
	body := map[string]any{
		"expression":   expression,
		"input_paths":  inputs,
		"output_paths": outputs,
	}
	var resp Rule
	err := c.do(ctx, http.MethodPost, c.productPath(productID, "rules"), body, &resp)
	return resp, err
}

// ListRules returns the rules of a product.
func (c *Client) ListRules(ctx context.Context, productID string) ([]Rule, error) {
	var resp []Rule
	err := c.do(ctx, http.MethodGet, c.productPath(productID, "rules"), nil, &resp)
	return resp, err
}

// Plan returns the staged execution order of a product's rules,
// optionally restricted to the given rule ids.
func (c *Client) Plan(ctx context.Context, productID string, ruleIDs ...string) (Plan, error) {
	endpoint := c.productPath(productID, "plan")
	if len(ruleIDs) > 0 {
		endpoint += "?rule_ids=" + url.QueryEscape(strings.Join(ruleIDs, ","))
	}
	var resp Plan
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Evaluate runs a product's rules against the given inputs.
func (c *Client) Evaluate(ctx context.Context, productID string, inputs map[string]any) (EvaluationResult, error) {
	return c.EvaluateWithOptions(ctx, productID, EvaluateOptions{Inputs: inputs})
}

// EvaluateWithOptions runs a product's rules with per-request options.
func (c *Client) EvaluateWithOptions(ctx context.Context, productID string, opts EvaluateOptions) (EvaluationResult, error) {
	var resp EvaluationResult
	err := c.do(ctx, http.MethodPost, c.productPath(productID, "evaluate"), opts, &resp)
	return resp, err
}

// CloneProduct copies a product under a new id. The result carries the
// old-path to new-path mapping of every copied attribute.
func (c *Client) CloneProduct(ctx context.Context, sourceID, newID, newName string) (CloneResult, error) {
	var resp CloneResult
	body := map[string]any{"new_id": newID}
	if newName != "" {
		body["new_name"] = newName
	}
	err := c.do(ctx, http.MethodPost, c.productPath(sourceID, "clone"), body, &resp)
	return resp, err
}

// AnalyzeImpact returns the dependency neighborhood of an attribute.
func (c *Client) AnalyzeImpact(ctx context.Context, path string) (ImpactAnalysis, error) {
	var resp ImpactAnalysis
	endpoint := fmt.Sprintf("attributes/%s/impact", url.PathEscape(path))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CheckModification asks whether an attribute can change without cloning.
func (c *Client) CheckModification(ctx context.Context, path string) (ModificationCheck, error) {
	var resp ModificationCheck
	endpoint := fmt.Sprintf("attributes/%s/check-modification", url.PathEscape(path))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events of a product.
func (c *Client) Events(ctx context.Context, productID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, productID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, productID string, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.productPath(productID, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) productPath(productID, p string) string {
	base := fmt.Sprintf("products/%s", url.PathEscape(productID))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

// base strips a trailing slash; BaseURL should include the API prefix,
// e.g. http://127.0.0.1:8080/v1.
func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
