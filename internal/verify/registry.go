package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Query identifies the provider to verify. First and last name are
// required; city/state narrow the search and NPI pins an exact match.
type Query struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
	NPI       string `json:"npi,omitempty"`
}

func (q Query) Subject() string {
	return strings.ToLower(strings.TrimSpace(q.FirstName)) + " " + strings.ToLower(strings.TrimSpace(q.LastName))
}

// Candidate is one registry match, post-processed to the fields the
// conversation needs.
type Candidate struct {
	NPI         string `json:"npi"`
	Name        string `json:"name"`
	Credentials string `json:"credentials,omitempty"`
	Active      bool   `json:"active"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
}

// Registry is the external lookup collaborator. Implementations may time
// out or fail; the gateway owns retry and classification policy.
type Registry interface {
	Search(ctx context.Context, q Query, limit int) (count int, candidates []Candidate, err error)
}

// HTTPRegistry queries an NPPES-style NPI registry over HTTP.
type HTTPRegistry struct {
	baseURL string
	version string
	client  *http.Client
}

func NewHTTPRegistry(baseURL, version string, timeout time.Duration) *HTTPRegistry {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRegistry{
		baseURL: strings.TrimSpace(baseURL),
		version: strings.TrimSpace(version),
		client:  &http.Client{Timeout: timeout},
	}
}

type registryResponse struct {
	ResultCount int `json:"result_count"`
	Results     []struct {
		Number string `json:"number"`
		Basic  struct {
			FirstName  string `json:"first_name"`
			MiddleName string `json:"middle_name"`
			LastName   string `json:"last_name"`
			Credential string `json:"credential"`
			Status     string `json:"status"`
		} `json:"basic"`
		Addresses []struct {
			City  string `json:"city"`
			State string `json:"state"`
		} `json:"addresses"`
	} `json:"results"`
}

func (r *HTTPRegistry) Search(ctx context.Context, q Query, limit int) (int, []Candidate, error) {
	if limit <= 0 {
		limit = 10
	}
	params := url.Values{}
	params.Set("version", r.version)
	params.Set("first_name", strings.TrimSpace(q.FirstName))
	params.Set("last_name", strings.TrimSpace(q.LastName))
	params.Set("enumeration_type", "NPI-1")
	params.Set("limit", fmt.Sprintf("%d", limit))
	if c := strings.TrimSpace(q.City); c != "" {
		params.Set("city", c)
	}
	if st := strings.TrimSpace(q.State); st != "" {
		params.Set("state", strings.ToUpper(st))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("create registry request: %w", err)
	}

	res, err := r.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("registry request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return 0, nil, fmt.Errorf("registry status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload registryResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return 0, nil, fmt.Errorf("decode registry response: %w", err)
	}

	candidates := make([]Candidate, 0, len(payload.Results))
	for _, raw := range payload.Results {
		name := strings.Join(strings.Fields(
			raw.Basic.FirstName+" "+raw.Basic.MiddleName+" "+raw.Basic.LastName,
		), " ")
		c := Candidate{
			NPI:         raw.Number,
			Name:        name,
			Credentials: raw.Basic.Credential,
			Active:      raw.Basic.Status == "A",
		}
		if len(raw.Addresses) > 0 {
			c.City = raw.Addresses[0].City
			c.State = raw.Addresses[0].State
		}
		candidates = append(candidates, c)
	}
	return payload.ResultCount, candidates, nil
}

// HealthCheck issues a minimal search to confirm the registry answers.
func (r *HTTPRegistry) HealthCheck(ctx context.Context) error {
	_, _, err := r.Search(ctx, Query{FirstName: "John", LastName: "Smith"}, 1)
	return err
}
