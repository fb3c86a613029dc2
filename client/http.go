package client

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"Confluence/internal/access"
)

// APIError is a non-success response from the node.
type APIError struct {
	Status  int    // Status is the HTTP status code
	Message string // Message is the node's error text
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// do performs one request. body is JSON-encoded when non-nil and result is
// decoded from a JSON response when non-nil. Requests are signed when the
// client holds a key.
func (c *Client) do(method, path string, body, result any) error {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal body:\n%w", err)
		}
	}

	resp, err := c.send(method, path, data)
	if err != nil {
		return err
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if result == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%s %s: decode response:\n%w", method, path, err)
	}

	return nil
}

// send performs one request and turns error statuses into *APIError.
func (c *Client) send(method, path string, data []byte) (*http.Response, error) {
	req, err := http.NewRequest(method, "http://"+c.nodeAddr+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request:\n%w", err)
	}

	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.key != nil {
		ts := time.Now()
		sig := access.SignRequest(c.key, method, req.URL.Path, ts, data)

		req.Header.Set(access.HeaderKey, hex.EncodeToString(c.key.Public().(ed25519.PublicKey)))
		req.Header.Set(access.HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
		req.Header.Set(access.HeaderSignature, hex.EncodeToString(sig))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s:\n%w", method, path, err)
	}

	if resp.StatusCode >= 300 {
		defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)

		return nil, &APIError{Status: resp.StatusCode, Message: body.Error}
	}

	return resp, nil
}
