// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package backend is the station's typed HTTP client for the
// manufacturing backend: WIP lookup, process start/complete, serial
// conversion, and operator login, with backend error codes mapped onto
// stationerrors so callers can branch on business-rule rejections versus
// transient transport failures.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stationservice/station/internal/station/stationerrors"
	"github.com/stationservice/station/internal/stationmetrics"
	"github.com/stationservice/station/pkg/httpclient"
)

// StatusCompleted is the WIP item status the backend reports once every
// manufacturing process on the item has completed; it gates serial
// conversion.
const StatusCompleted = "COMPLETED"

// Config configures a Client.
type Config struct {
	URL         string
	APIKey      string
	StationID   string
	EquipmentID string
	Timeout     time.Duration
	MaxRetries  int
}

// Client is the station's HTTP client for the manufacturing backend.
type Client struct {
	baseURL string
	http    *http.Client
	cfg     Config

	// tokenOverride, when set via SetAccessToken, is sent instead of
	// cfg.APIKey — used once an operator has logged in through
	// manual control.
	tokenOverride string
}

// New constructs a Client. A zero-value cfg.URL produces a Client whose
// calls immediately fail with a transient BackendError, so a station
// with no backend configured still runs sequences and queues nothing.
func New(cfg Config) (*Client, error) {
	httpCfg := httpclient.DefaultConfig()
	if cfg.Timeout > 0 {
		httpCfg.Timeout = cfg.Timeout
	}
	if cfg.MaxRetries > 0 {
		httpCfg.RetryAttempts = cfg.MaxRetries
	}
	httpCfg.UserAgent = "station-worker/1.0"

	hc, err := httpclient.New(httpCfg)
	if err != nil {
		return nil, fmt.Errorf("backend: build http client: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    hc,
		cfg:     cfg,
	}, nil
}

// SetAccessToken overrides the configured API key with an operator
// session token obtained from Login.
func (c *Client) SetAccessToken(token string) {
	c.tokenOverride = token
}

func (c *Client) authToken() string {
	if c.tokenOverride != "" {
		return c.tokenOverride
	}
	return c.cfg.APIKey
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("backend: marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token := c.authToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.cfg.StationID != "" {
		req.Header.Set("X-Station-ID", c.cfg.StationID)
	}
	if c.cfg.EquipmentID != "" {
		req.Header.Set("X-Equipment-ID", c.cfg.EquipmentID)
	}

	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.baseURL == "" {
		return nil, &stationerrors.BackendError{Code: "BACKEND_NOT_CONFIGURED", Message: "backend url not configured"}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	stationmetrics.RecordBackendCall(endpointLabel(req.URL.Path), callOutcome(resp, err), time.Since(start))
	if err != nil {
		return nil, &stationerrors.BackendError{Code: "BACKEND_CONNECTION_ERROR", Message: err.Error(), Cause: err}
	}
	return resp, nil
}

// endpointLabel reduces a request path to its trailing segment so the
// per-endpoint metric label stays low-cardinality (no WIP ids).
func endpointLabel(path string) string {
	if i := strings.LastIndexByte(strings.TrimRight(path, "/"), '/'); i >= 0 {
		return strings.TrimRight(path, "/")[i+1:]
	}
	return path
}

func callOutcome(resp *http.Response, err error) string {
	switch {
	case err != nil:
		return "transport_error"
	case resp.StatusCode >= 400:
		return strconv.Itoa(resp.StatusCode)
	default:
		return "ok"
	}
}

// HealthCheck reports whether the backend is reachable, swallowing any
// transport error rather than propagating it.
func (c *Client) HealthCheck(ctx context.Context) bool {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return false
	}

	resp, err := c.do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// WIPLookupResult is the backend's view of a scanned work-in-process item.
type WIPLookupResult struct {
	ID     int    `json:"id"`
	WIPID  string `json:"wip_id"`
	Status string `json:"status"`
}

// LookupWIP resolves a scanned WIP id string to the backend's integer id
// via the scan endpoint.
func (c *Client) LookupWIP(ctx context.Context, wipIDString string, processID int) (*WIPLookupResult, error) {
	path := fmt.Sprintf("/api/v1/wip-items/%s/scan", wipIDString)
	if processID > 0 {
		path += "?process_id=" + strconv.Itoa(processID)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &stationerrors.WIPNotFoundError{WIPID: wipIDString, ProcessID: processID}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.mapGenericError(resp, wipIDString)
	}

	var result WIPLookupResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("backend: decode wip lookup response: %w", err)
	}
	return &result, nil
}

// ProcessStartRequest carries the payload for StartProcess (착공).
type ProcessStartRequest struct {
	ProcessID   int        `json:"process_id"`
	OperatorID  int        `json:"operator_id"`
	EquipmentID string     `json:"equipment_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
}

// StartProcess begins a process on a WIP item (착공).
func (c *Client) StartProcess(ctx context.Context, wipIntID int, req ProcessStartRequest) (map[string]interface{}, error) {
	path := fmt.Sprintf("/api/v1/wip-items/%d/start-process", wipIntID)
	return c.postProcessOperation(ctx, path, req, strconv.Itoa(wipIntID), req.ProcessID, "start_process")
}

// ProcessCompleteRequest carries the payload for CompleteProcess (완공).
type ProcessCompleteRequest struct {
	Result       string                 `json:"result"`
	Measurements map[string]interface{} `json:"measurements,omitempty"`
	Defects      []string               `json:"defects,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// CompleteProcess completes a process on a WIP item (완공).
func (c *Client) CompleteProcess(ctx context.Context, wipIntID, processID, operatorID int, req ProcessCompleteRequest) (map[string]interface{}, error) {
	path := fmt.Sprintf("/api/v1/wip-items/%d/complete-process?process_id=%d&operator_id=%d", wipIntID, processID, operatorID)
	return c.postProcessOperation(ctx, path, req, strconv.Itoa(wipIntID), processID, "complete_process")
}

func (c *Client) postProcessOperation(ctx context.Context, path string, body interface{}, wipID string, processID int, operation string) (map[string]interface{}, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		var result map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("backend: decode %s response: %w", operation, err)
		}
		return result, nil
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, &stationerrors.WIPNotFoundError{WIPID: wipID, ProcessID: processID}
	}

	return nil, c.mapProcessError(resp, wipID, processID, operation)
}

// SerialConvertRequest carries the payload for ConvertToSerial.
type SerialConvertRequest struct {
	SerialNumber string `json:"serial_number,omitempty"`
}

// ConvertToSerial converts a completed WIP item to a serial number
// (시리얼 변환).
func (c *Client) ConvertToSerial(ctx context.Context, wipIntID int, req SerialConvertRequest) (map[string]interface{}, error) {
	path := fmt.Sprintf("/api/v1/wip-items/%d/convert-to-serial", wipIntID)

	httpReq, err := c.newRequest(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		var result map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("backend: decode convert-to-serial response: %w", err)
		}
		return result, nil
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, &stationerrors.WIPNotFoundError{WIPID: strconv.Itoa(wipIntID)}
	}

	return nil, c.mapGenericError(resp, strconv.Itoa(wipIntID))
}

// LoginResult is the backend's operator login response.
type LoginResult struct {
	AccessToken string                 `json:"access_token"`
	TokenType   string                 `json:"token_type"`
	User        map[string]interface{} `json:"user"`
}

// Login authenticates an operator and returns their session token.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/auth/login/json", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &stationerrors.BackendError{
			Code:       "LOGIN_FAILED",
			Message:    readErrorMessage(resp, "login failed"),
			StatusCode: resp.StatusCode,
		}
	}

	var result LoginResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("backend: decode login response: %w", err)
	}
	return &result, nil
}

// WhoAmI returns the operator identity associated with an access token.
func (c *Client) WhoAmI(ctx context.Context, accessToken string) (map[string]interface{}, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/auth/me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &stationerrors.BackendError{Code: "INVALID_TOKEN", Message: "invalid or expired token", StatusCode: resp.StatusCode}
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("backend: decode whoami response: %w", err)
	}
	return result, nil
}

func (c *Client) mapProcessError(resp *http.Response, wipID string, processID int, operation string) error {
	var errBody struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}

	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &errBody); err != nil {
		return &stationerrors.BackendError{
			Code:       "BACKEND_ERROR",
			Message:    fmt.Sprintf("backend error: %d - %s", resp.StatusCode, truncate(string(raw), 200)),
			StatusCode: resp.StatusCode,
		}
	}

	switch errBody.Error {
	case "PREREQUISITE_NOT_MET":
		required := processID - 1
		if required < 0 {
			required = 0
		}
		return &stationerrors.PrerequisiteNotMetError{WIPID: wipID, Required: required}
	case "DUPLICATE_PASS":
		return &stationerrors.DuplicatePassError{WIPID: wipID, ProcessID: processID}
	case "INVALID_WIP_STATUS":
		return &stationerrors.InvalidWIPStatusError{WIPID: wipID, Status: errBody.Detail}
	}

	code := errBody.Error
	if code == "" {
		code = "BACKEND_ERROR"
	}
	message := errBody.Message
	if message == "" {
		message = fmt.Sprintf("backend error: %d", resp.StatusCode)
	}
	return &stationerrors.BackendError{Code: code, Message: message, StatusCode: resp.StatusCode}
}

func (c *Client) mapGenericError(resp *http.Response, wipID string) error {
	var errBody struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}

	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &errBody); err != nil {
		return &stationerrors.BackendError{Code: "BACKEND_ERROR", Message: fmt.Sprintf("backend error: %d", resp.StatusCode), StatusCode: resp.StatusCode}
	}

	if errBody.Error == "INVALID_WIP_STATUS" {
		return &stationerrors.InvalidWIPStatusError{WIPID: wipID, Status: errBody.Message}
	}

	code := errBody.Error
	if code == "" {
		code = "BACKEND_ERROR"
	}
	message := errBody.Message
	if message == "" {
		message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return &stationerrors.BackendError{Code: code, Message: message, StatusCode: resp.StatusCode}
}

func readErrorMessage(resp *http.Response, fallback string) string {
	var body struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &body); err != nil || body.Message == "" {
		return fallback
	}
	return body.Message
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
