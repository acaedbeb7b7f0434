package main

// ---------------------------------------------------------------------------
// http.go — HTTP client helpers for API communication
// ---------------------------------------------------------------------------

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// apiRequest sends one request to a running instance and returns the body.
func apiRequest(method, url string, payload []byte, apiKey string, timeout time.Duration) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to apdwatch API at %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return data, fmt.Errorf("authentication failed (HTTP %d), provide --api-key or set APDWATCH_API_KEY", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return data, fmt.Errorf("API returned HTTP %d: %s", resp.StatusCode, apiErrorMessage(data))
	}
	return data, nil
}

func apiGet(url, apiKey string, timeout time.Duration) ([]byte, error) {
	return apiRequest(http.MethodGet, url, nil, apiKey, timeout)
}

func apiPost(url string, payload []byte, apiKey string, timeout time.Duration) ([]byte, error) {
	if payload == nil {
		payload = []byte("{}")
	}
	return apiRequest(http.MethodPost, url, payload, apiKey, timeout)
}

func apiPut(url string, payload []byte, apiKey string, timeout time.Duration) ([]byte, error) {
	return apiRequest(http.MethodPut, url, payload, apiKey, timeout)
}

// apiErrorMessage pulls "error" out of a JSON error body.
func apiErrorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(body))
}
