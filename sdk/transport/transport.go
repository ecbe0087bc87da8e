// Package transport delivers serialized telemetry payloads to the ingestion
// endpoint. Two strategies exist: Awaitable reports delivery failures to the
// caller so undelivered events can be requeued, BestEffort sends without
// waiting and is used when the application is shutting down.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport sends one payload to url. Implementations must not retain body.
type Transport interface {
	Send(ctx context.Context, url string, body []byte, headers map[string]string) error
}

// Awaitable posts the payload and waits for the response. A non-2xx status
// is an error so the client can requeue the batch.
type Awaitable struct {
	Client *http.Client
}

func NewAwaitable() *Awaitable {
	return &Awaitable{Client: &http.Client{Timeout: 10 * time.Second}}
}

func (t *Awaitable) Send(ctx context.Context, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("send payload: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("server rejected payload: %s", resp.Status)
	}
	return nil
}

// BestEffort sends in the background and never reports an error. Events
// handed to it are considered flushed; there is nothing left to requeue
// during teardown.
type BestEffort struct {
	Base Transport
}

func NewBestEffort() *BestEffort {
	return &BestEffort{Base: NewAwaitable()}
}

func (t *BestEffort) Send(ctx context.Context, url string, body []byte, headers map[string]string) error {
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = t.Base.Send(sendCtx, url, body, headers)
	}()
	return nil
}

var _ Transport = (*Awaitable)(nil)
var _ Transport = (*BestEffort)(nil)
