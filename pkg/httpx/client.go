package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestJSON calls an upstream collaborator (the wallet node, Vault) and
// returns the status and raw body. Transport failures, body read failures,
// and 5xx responses are retried up to retries extra attempts; 4xx responses
// are the upstream's answer and come back as-is.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	for attempt := 0; ; attempt++ {
		status, respBody, err, retryable := attemptJSON(ctx, client, method, url, body, headers)
		if err != nil && !retryable {
			return 0, nil, err
		}
		if attempt >= retries {
			if err != nil {
				return 0, nil, err
			}
			return status, respBody, nil
		}
		if err == nil && status < 500 {
			return status, respBody, nil
		}
		time.Sleep(retryDelay)
	}
}

// attemptJSON runs a single try. Request construction failures are not
// retryable; everything after the request leaves the process is.
func attemptJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, error, bool) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err, false
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err, true
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err, true
	}
	return resp.StatusCode, respBody, nil, false
}
