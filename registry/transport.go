package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"castellan/core"
)

// CommandTransport carries control traffic to remote instances.
type CommandTransport interface {
	SendCommand(ctx context.Context, inst *core.PipelineInstance, cmd core.InstanceCommand) (core.CommandResponse, error)
	Claim(ctx context.Context, inst *core.PipelineInstance, req core.ClaimRequest) (core.ClaimResponse, error)
	CheckHealth(ctx context.Context, inst *core.PipelineInstance) (core.HealthCheckResult, error)
}

// Instance endpoint paths served by InstanceServer
const (
	PathCommands = "/commands"
	PathClaims   = "/claims"
	PathHealth   = "/health"
)

// maxResponseBytes bounds instance replies
const maxResponseBytes = 1 << 20

// HTTPTransport talks JSON over HTTP to {address}/commands, /claims and /health.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport. A nil client gets a 10s timeout client.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{client: client}
}

func baseURL(address string) string {
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}
	return strings.TrimRight(address, "/")
}

func (t *HTTPTransport) do(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInstanceUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", core.ErrInstanceUnreachable, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s returned %d", core.ErrInstanceUnreachable, url, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid response from %s (status %d): %w", url, resp.StatusCode, err)
	}
	return nil
}

// SendCommand POSTs the command
func (t *HTTPTransport) SendCommand(ctx context.Context, inst *core.PipelineInstance, cmd core.InstanceCommand) (core.CommandResponse, error) {
	var resp core.CommandResponse
	err := t.do(ctx, http.MethodPost, baseURL(inst.Address)+PathCommands, cmd, &resp)
	return resp, err
}

// Claim POSTs the claim request
func (t *HTTPTransport) Claim(ctx context.Context, inst *core.PipelineInstance, req core.ClaimRequest) (core.ClaimResponse, error) {
	var resp core.ClaimResponse
	err := t.do(ctx, http.MethodPost, baseURL(inst.Address)+PathClaims, req, &resp)
	return resp, err
}

// CheckHealth GETs the instance health
func (t *HTTPTransport) CheckHealth(ctx context.Context, inst *core.PipelineInstance) (core.HealthCheckResult, error) {
	var result core.HealthCheckResult
	err := t.do(ctx, http.MethodGet, baseURL(inst.Address)+PathHealth, nil, &result)
	return result, err
}

var _ CommandTransport = (*HTTPTransport)(nil)
