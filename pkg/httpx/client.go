package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	// MaxResponseBytes caps what RequestJSON reads from a peer.
	MaxResponseBytes = 1 << 20
	maxRetryDelay    = 5 * time.Second
)

// RequestJSON sends body and returns the status and response body. Transport
// errors and 5xx responses are retried up to retries times with doubling
// delay; a 429 or 503 carrying Retry-After waits that long instead. Retrying
// stops as soon as ctx is done.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	retries = max(retries, 0)
	delay := retryDelay
	for attempt := 0; ; attempt++ {
		status, respBody, retryAfter, err := doOnce(ctx, client, method, url, body, headers)
		retryable := err != nil || status >= 500 || (status == http.StatusTooManyRequests && retryAfter > 0)
		if !retryable || attempt >= retries {
			return status, respBody, err
		}
		pause := delay
		if retryAfter > 0 {
			pause = retryAfter
		}
		if !wait(ctx, pause) {
			return status, respBody, err
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

func doOnce(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, 0, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return 0, nil, 0, err
	}
	if len(respBody) > MaxResponseBytes {
		return resp.StatusCode, nil, 0, fmt.Errorf("response from %s exceeds %d bytes", url, MaxResponseBytes)
	}
	return resp.StatusCode, respBody, retryAfter(resp), nil
}

// retryAfter reads a delay-seconds Retry-After on 429 and 503, capped.
func retryAfter(resp *http.Response) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0
	}
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryDelay)
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
