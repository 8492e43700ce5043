package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// StatusError is returned when the node answers with an unexpected status.
type StatusError struct {
	Method  string // Method is the HTTP method of the request
	URL     string // URL is the request URL
	Code    int    // Code is the response status code
	Message string // Message is the node's error message, if any
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
}

// send performs a request and returns the response body of a 2xx answer.
func (c *Client) send(method, url, contentType string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build request:\n%w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s:\n%w", method, url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response:\n%w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		json.Unmarshal(data, &e)

		return nil, resp.StatusCode, &StatusError{Method: method, URL: url, Code: resp.StatusCode, Message: e.Error}
	}

	return data, resp.StatusCode, nil
}

// httpGet performs a GET request and decodes the JSON response.
func (c *Client) httpGet(url string, result any) error {
	data, _, err := c.send(http.MethodGet, url, "", nil)
	if err != nil {
		return err
	}

	return decodeInto(data, result)
}

// httpJSON performs a request with a JSON body and decodes the JSON response.
func (c *Client) httpJSON(method, url string, body any, result any) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, fmt.Errorf("marshal body:\n%w", err)
		}
	}

	data, status, err := c.send(method, url, "application/json", payload)
	if err != nil {
		return status, err
	}

	return status, decodeInto(data, result)
}

func decodeInto(data []byte, result any) error {
	if result == nil || len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("decode response:\n%w", err)
	}

	return nil
}
