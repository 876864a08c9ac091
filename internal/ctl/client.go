package ctl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// apiError is the body logcatd writes alongside a non-2xx status.
type apiError struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func endpoint(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + path
}

// responseError turns a failed daemon response into an error, preferring the
// daemon's own message over the raw body.
func responseError(resp *http.Response, path string) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var ae apiError
	if json.Unmarshal(b, &ae) == nil && ae.Error != "" {
		return fmt.Errorf("HTTP %s: %s", resp.Status, ae.Error)
	}
	if msg := strings.TrimSpace(string(b)); msg != "" {
		return fmt.Errorf("HTTP %s: %s", resp.Status, msg)
	}
	return fmt.Errorf("HTTP %s from %s", resp.Status, path)
}

// decodeResponse checks the status and decodes a JSON body into dst.
func decodeResponse(resp *http.Response, path string, dst any) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// getJSON sends a GET request and decodes the JSON response into dst.
func getJSON(baseURL, path string, dst any) error {
	resp, err := httpClient.Get(endpoint(baseURL, path))
	if err != nil {
		return err
	}
	return decodeResponse(resp, path, dst)
}

// getRaw sends a GET request and returns the status and raw body.
func getRaw(baseURL, path string) (int, []byte, error) {
	resp, err := httpClient.Get(endpoint(baseURL, path))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// postJSON sends a POST request with an optional JSON body and decodes the
// response.
func postJSON(baseURL, path string, body, dst any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}
	resp, err := httpClient.Post(endpoint(baseURL, path), "application/json", reqBody)
	if err != nil {
		return err
	}
	return decodeResponse(resp, path, dst)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
