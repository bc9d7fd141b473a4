// Package backend talks to the maintenance REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aflt-toolscan/kit-verifier/internal/geometry"
	"github.com/aflt-toolscan/kit-verifier/internal/logger"
	"github.com/aflt-toolscan/kit-verifier/pkg/types"
)

// Business-rule rejections reported by the API with status 400
var (
	ErrNoSpecialist   = errors.New("no quality control specialist available")
	ErrIncidentExists = errors.New("incident already recorded for request")
)

// Detail fragments used to recognize business-rule rejections
const (
	detailNoSpecialist   = "no quality control specialists"
	detailIncidentExists = "already has an associated incident"
)

// APIError is a non-2xx response
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api error: status %d", e.Status)
	}
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Detail)
}

// Unwrap exposes ErrNoSpecialist / ErrIncidentExists when the detail matches
func (e *APIError) Unwrap() error {
	if e.Status != http.StatusBadRequest {
		return nil
	}
	lower := strings.ToLower(e.Detail)
	switch {
	case strings.Contains(lower, detailNoSpecialist):
		return ErrNoSpecialist
	case strings.Contains(lower, detailIncidentExists):
		return ErrIncidentExists
	}
	return nil
}

// IsBusinessRule reports whether err is a rejection the operator cannot fix by retrying
func IsBusinessRule(err error) bool {
	return errors.Is(err, ErrNoSpecialist) || errors.Is(err, ErrIncidentExists)
}

// ServiceRequest is the maintenance request under verification
type ServiceRequest struct {
	ID        int    `json:"id"`
	ToolSetID int    `json:"tool_set_id"`
	Status    string `json:"status"`
}

// Kit is the expected tool set of a request
type Kit struct {
	ID          int
	BatchNumber string
	Inventory   types.Inventory
}

// Client is a bearer-token REST client
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     logger.Module
}

// NewClient creates a client for baseURL (e.g. http://host:8000)
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     logger.For("Backend"),
	}
}

// FetchRequest loads a maintenance request with its relations
func (c *Client) FetchRequest(ctx context.Context, id int) (*ServiceRequest, error) {
	var req ServiceRequest
	path := fmt.Sprintf("/api/maintenance-requests/%d/with-relations", id)
	if err := c.do(ctx, http.MethodGet, path, nil, &req); err != nil {
		return nil, fmt.Errorf("failed to fetch request %d: %w", id, err)
	}
	if req.ToolSetID == 0 {
		return nil, fmt.Errorf("request %d has no tool set assigned", id)
	}
	return &req, nil
}

type toolSetResponse struct {
	ID          int    `json:"id"`
	BatchNumber string `json:"batch_number"`
	ToolSetType struct {
		ToolTypes []struct {
			ID        int    `json:"id"`
			Name      string `json:"name"`
			ToolClass string `json:"tool_class"`
		} `json:"tool_types"`
	} `json:"tool_set_type"`
}

// FetchInventory loads the expected tools of a tool set. Display colors
// are assigned from the palette in listing order.
func (c *Client) FetchInventory(ctx context.Context, toolSetID int) (*Kit, error) {
	var resp toolSetResponse
	path := fmt.Sprintf("/api/tool-sets/%d/with-tools", toolSetID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch tool set %d: %w", toolSetID, err)
	}

	specs := make([]types.ToolSpec, 0, len(resp.ToolSetType.ToolTypes))
	for i, tt := range resp.ToolSetType.ToolTypes {
		specs = append(specs, types.ToolSpec{
			ID:           tt.ID,
			Name:         tt.Name,
			Class:        types.ToolClass(tt.ToolClass),
			DisplayColor: geometry.ColorFor(i),
		})
	}

	inv := types.NewInventory(specs)
	if inv.Len() != len(specs) {
		c.log.Warn("Tool set %d lists %d tools but %d distinct classes", toolSetID, len(specs), inv.Len())
	}
	return &Kit{ID: toolSetID, BatchNumber: resp.BatchNumber, Inventory: inv}, nil
}

// CompleteRequest marks the request as completed
func (c *Client) CompleteRequest(ctx context.Context, id int) error {
	path := fmt.Sprintf("/api/maintenance-requests/%d/complete", id)
	if err := c.do(ctx, http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("failed to complete request %d: %w", id, err)
	}
	c.log.Info("Request %d completed", id)
	return nil
}

// MarkIncident records an incident with the operator's comment
func (c *Client) MarkIncident(ctx context.Context, id int, comment string) error {
	path := fmt.Sprintf("/api/maintenance-requests/%d/mark-incident", id)
	body := map[string]string{"comments": comment}
	if err := c.do(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("failed to mark incident on request %d: %w", id, err)
	}
	c.log.Info("Incident recorded on request %d", id)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debug("%s %s -> %d", method, path, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil && len(payload.Detail) > 0 {
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			e.Detail = s
		} else {
			e.Detail = string(payload.Detail)
		}
	} else {
		e.Detail = strings.TrimSpace(string(body))
	}
	return e
}
