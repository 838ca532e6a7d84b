package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type syncClient struct {
	baseURL string
	http    *http.Client
}

func newClient() *syncClient {
	return &syncClient{
		baseURL: serverURL(),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// getJSON performs a GET request and decodes the response.
func (c *syncClient) getJSON(path string, v any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	return json.NewDecoder(resp.Body).Decode(v)
}

// postJSON performs a POST request with a JSON body and decodes the
// response. A nil body sends an empty request.
func (c *syncClient) postJSON(path string, body any, v any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	return c.post(path, "application/json", reader, v)
}

// postRaw performs a POST request with a pre-encoded body.
func (c *syncClient) postRaw(path, contentType string, body []byte, v any) error {
	return c.post(path, contentType, bytes.NewReader(body), v)
}

func (c *syncClient) post(path, contentType string, body io.Reader, v any) error {
	resp, err := c.http.Post(c.baseURL+path, contentType, body)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	default:
		return statusError(resp)
	}

	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// statusError turns a non-success response into an error, preferring the
// server's {"error": "..."} message over the raw body.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
}
