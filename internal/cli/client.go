package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// client wraps the admin API. Transport failures mean the controller
// is unreachable and are reported distinctly from API-level errors,
// because the two carry different exit codes.
type client struct {
	addr string
	http *http.Client
}

func newClient(addr string) *client {
	return &client{
		addr: addr,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// unreachableError marks a failure to reach the daemon at all.
type unreachableError struct{ err error }

func (e *unreachableError) Error() string {
	return fmt.Sprintf("controller unreachable: %v", e.err)
}

func (e *unreachableError) Unwrap() error { return e.err }

// apiError is a well-formed non-2xx response from the daemon.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (http %d)", e.Message, e.Status)
}

func (c *client) do(method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.addr+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &unreachableError{err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &unreachableError{err: err}
	}

	if resp.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
		}
		msg := string(data)
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return data, &apiError{Status: resp.StatusCode, Message: msg}
	}
	return data, nil
}
