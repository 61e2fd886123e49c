// Package proxy forwards completion requests to the downstream inference
// gateway and relays the responses, streamed or not.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"llm-platform-backend/internal/chat/domain"
	"llm-platform-backend/internal/logging"
)

const (
	completionsPath = "/v1/chat/completions"

	// streamBufferChunks bounds the producer/consumer channel so a slow client
	// applies backpressure to the upstream read instead of growing memory.
	streamBufferChunks = 16

	readBufferBytes = 4096
)

// Result is a relayed non-streaming response. Body is the upstream JSON,
// byte for byte.
type Result struct {
	StatusCode int
	Body       []byte
}

// Gateway talks to the downstream inference service. The caller's bearer token
// never travels upstream; every call authenticates with the per-account
// gateway key passed in explicitly.
type Gateway struct {
	baseURL string
	client  *http.Client
	log     logging.Logger
}

// NewGateway returns a Gateway for the given base URL. The timeout bounds the
// whole upstream exchange, including long streams.
func NewGateway(baseURL string, timeout time.Duration, log logging.Logger) *Gateway {
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

func (g *Gateway) newRequest(ctx context.Context, apiKey string, body *domain.CompletionRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+completionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return req, nil
}

// Complete performs a non-streaming completion and relays the upstream body
// verbatim, whatever the status code.
func (g *Gateway) Complete(ctx context.Context, apiKey string, body *domain.CompletionRequest) (*Result, error) {
	req, err := g.newRequest(ctx, apiKey, body)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	relayed, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return &Result{StatusCode: resp.StatusCode, Body: relayed}, nil
}

// Stream opens a streaming completion and returns a channel of raw relayed
// chunks, one channel send per upstream read, in order. The channel is closed
// when the upstream stream ends, errors, or ctx is cancelled.
//
// A non-2xx upstream status does not return an error: the channel yields a
// single terminal error event carrying the upstream body, so the client's
// stream consumer sees a well-formed ending instead of a dropped connection.
func (g *Gateway) Stream(ctx context.Context, apiKey string, body *domain.CompletionRequest) (<-chan []byte, error) {
	req, err := g.newRequest(ctx, apiKey, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	out := make(chan []byte, streamBufferChunks)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upstream, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		if readErr != nil {
			upstream = nil
		}
		g.log.Warn("upstream rejected streaming completion",
			zap.Int("status", resp.StatusCode))
		go func() {
			defer close(out)
			select {
			case out <- TerminalErrorEvent(resp.StatusCode, upstream):
			case <-ctx.Done():
			}
		}()
		return out, nil
	}

	go func() {
		defer close(out)
		defer resp.Body.Close()

		buf := make([]byte, readBufferBytes)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err == io.EOF || ctx.Err() != nil {
					return
				}
				// The stream broke after a successful connect. The client must
				// see a terminal error event, not an ordinary end-of-stream, so
				// an aborted answer is never mistaken for a complete one.
				g.log.Warn("upstream stream ended abnormally", zap.Error(err))
				status := http.StatusBadGateway
				detail := `{"message":"upstream connection lost"}`
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					status = http.StatusGatewayTimeout
					detail = `{"message":"upstream timeout"}`
				}
				select {
				case out <- TerminalErrorEvent(status, []byte(detail)):
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return out, nil
}

const maxErrorBodyBytes = 1 << 16

// TerminalErrorEvent formats an upstream failure as a single SSE event. The
// upstream body is embedded verbatim when it is valid JSON, quoted otherwise.
func TerminalErrorEvent(statusCode int, upstreamBody []byte) []byte {
	detail := json.RawMessage(upstreamBody)
	if !json.Valid(upstreamBody) {
		quoted, err := json.Marshal(string(upstreamBody))
		if err != nil {
			quoted = []byte(`"upstream error"`)
		}
		detail = quoted
	}
	payload, err := json.Marshal(map[string]any{
		"error": map[string]any{
			"status":   statusCode,
			"upstream": detail,
		},
	})
	if err != nil {
		payload = []byte(`{"error":{"status":502}}`)
	}
	return []byte("data: " + string(payload) + "\n\n")
}
