// Package profile wraps the local antidetect-browser manager's REST API.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

// ErrProfileNotFound means the manager does not know the profile ID.
var ErrProfileNotFound = errors.New("profile not found")

// Session describes a started browser profile.
type Session struct {
	DriverPath             string `json:"driver_path"`
	RemoteDebuggingAddress string `json:"remote_debugging_address"`
	BrowserLocation        string `json:"browser_location"`
}

// Client talks to the profile manager over HTTP.
type Client struct {
	baseURL        string
	client         *http.Client
	unknownLogPath string
	logger         *zap.Logger
}

// NewClient creates a Client for the manager at baseURL. Unknown profile IDs
// are appended to unknownLogPath for operator follow-up.
func NewClient(baseURL string, unknownLogPath string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:        baseURL,
		client:         &http.Client{Timeout: 30 * time.Second},
		unknownLogPath: unknownLogPath,
		logger:         logger,
	}
}

type managerResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// UpdateProxy sets the raw proxy on a profile before it is opened.
func (c *Client) UpdateProxy(ctx context.Context, profileID, rawProxy string) error {
	payload, err := json.Marshal(map[string]string{"raw_proxy": rawProxy})
	if err != nil {
		return fmt.Errorf("marshal proxy payload: %w", err)
	}

	u := fmt.Sprintf("%s/api/v3/profiles/update/%s", c.baseURL, profileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return fmt.Errorf("update proxy for %s: %w", profileID, err)
	}
	if body.Success {
		return nil
	}
	if body.Message == "Profile not found" {
		c.logUnknownProfile(profileID)
		return fmt.Errorf("update proxy for %s: %w", profileID, ErrProfileNotFound)
	}
	return fmt.Errorf("update proxy for %s: manager answered %q", profileID, body.Message)
}

// Start opens the profile and returns its remote-debugging coordinates.
func (c *Client) Start(ctx context.Context, profileID string) (Session, error) {
	u := fmt.Sprintf("%s/api/v3/profiles/start/%s", c.baseURL, profileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Session{}, fmt.Errorf("build start request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return Session{}, fmt.Errorf("start profile %s: %w", profileID, err)
	}
	if !body.Success {
		return Session{}, fmt.Errorf("start profile %s: manager answered %q", profileID, body.Message)
	}

	var sess Session
	if err := json.Unmarshal(body.Data, &sess); err != nil {
		return Session{}, fmt.Errorf("decode session for %s: %w", profileID, err)
	}
	if sess.DriverPath == "" || sess.RemoteDebuggingAddress == "" {
		return Session{}, fmt.Errorf("start profile %s: session missing driver or debug address", profileID)
	}
	return sess, nil
}

// Close shuts the profile down. Best effort; callers usually defer it.
func (c *Client) Close(ctx context.Context, profileID string) error {
	u := fmt.Sprintf("%s/api/v3/profiles/close/%s", c.baseURL, profileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build close request: %w", err)
	}
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("close profile %s: %w", profileID, err)
	}
	return nil
}

func (c *Client) do(req *http.Request) (managerResponse, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return managerResponse{}, err
	}
	defer resp.Body.Close()

	var body managerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return managerResponse{}, fmt.Errorf("decode manager response: %w", err)
	}
	return body, nil
}

func (c *Client) logUnknownProfile(profileID string) {
	if c.unknownLogPath == "" {
		return
	}
	f, err := os.OpenFile(c.unknownLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		c.logger.Warn("open unknown-profile log", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, profileID); err != nil {
		c.logger.Warn("append unknown profile", zap.String("profile", profileID), zap.Error(err))
	}
}
