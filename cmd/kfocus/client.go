package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/kfocus/internal/api"
	"github.com/goodtune/kfocus/internal/config"
	"github.com/spf13/cobra"
)

var apiURL string

// addAPIFlag registers --api on commands that talk to a running server.
func addAPIFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&apiURL, "api", "", "Base URL of the running server (default from server.bind_address and server.http_port)")
}

// apiClient calls the JSON API of a running server.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() (*apiClient, error) {
	base := apiURL
	if base == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		host := cfg.Server.BindAddress
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		base = "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.HTTPPort))
	}
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Message)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
