package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Client talks to the external user-management service. Role and department
// assignment is owned there; the engine only relays the request.
type Client struct {
	baseURL string
	httpc   *http.Client
}

type AssignmentInput struct {
	UserID       string `json:"user_id"`
	Role         string `json:"role,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
}

type Assignment struct {
	UserID       string `json:"user_id"`
	Role         string `json:"role,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	Confirmed    bool   `json:"confirmed"`
}

var ErrUnavailable = errors.New("directory unavailable")

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Assign(ctx context.Context, input AssignmentInput) (Assignment, error) {
	if c == nil {
		return Assignment{}, ErrUnavailable
	}

	body, err := json.Marshal(input)
	if err != nil {
		return Assignment{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/users/assign", bytes.NewReader(body))
	if err != nil {
		return Assignment{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Assignment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Assignment{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var assignment Assignment
	if err := json.NewDecoder(resp.Body).Decode(&assignment); err != nil {
		return Assignment{}, err
	}
	return assignment, nil
}
