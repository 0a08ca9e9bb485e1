package settlement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPRelay posts outbound messages to a relay endpoint as
// `{"destChain": "...", "payload": "0x..."}` and expects a JSON body carrying
// a receipt identifier back. The API key is optional and only attached when
// supplied.
type HTTPRelay struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
}

// NewHTTPRelay constructs a relay transport. When client is nil
// http.DefaultClient is used.
func NewHTTPRelay(client HTTPDoer, endpoint, apiKey string) *HTTPRelay {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRelay{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
	}
}

type relaySendRequest struct {
	DestChain string `json:"destChain"`
	Payload   string `json:"payload"`
}

type relaySendResponse struct {
	Receipt string `json:"receipt"`
}

// Send implements RelayTransport against the configured endpoint.
func (r *HTTPRelay) Send(destChain string, payload []byte) (string, error) {
	if r == nil || r.endpoint == "" {
		return "", fmt.Errorf("relay endpoint not configured")
	}
	body, err := json.Marshal(relaySendRequest{
		DestChain: destChain,
		Payload:   hexutil.Encode(payload),
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("relay send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("relay send: unexpected status %d", resp.StatusCode)
	}
	var decoded relaySendResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return "", fmt.Errorf("relay send: decode response: %w", err)
	}
	return strings.TrimSpace(decoded.Receipt), nil
}

// LoggingRelay accepts every send and fabricates a receipt. It stands in for
// a real relay on development nodes without an endpoint configured.
type LoggingRelay struct {
	logger *slog.Logger
}

// NewLoggingRelay constructs the development transport.
func NewLoggingRelay(logger *slog.Logger) *LoggingRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingRelay{logger: logger}
}

// Send implements RelayTransport by logging the payload.
func (r *LoggingRelay) Send(destChain string, payload []byte) (string, error) {
	receipt := uuid.NewString()
	r.logger.Info("relay send accepted locally",
		slog.String("chain", destChain),
		slog.Int("payload_bytes", len(payload)),
		slog.String("receipt", receipt),
	)
	return receipt, nil
}
