package entropy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/powersol/settlement/settlement/pkg/metrics"
)

// Size is the number of bytes returned per request.
const Size = 32

type HTTPConfig struct {
	Logger  *slog.Logger
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
}

func (cfg *HTTPConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("entropy base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return fmt.Errorf("invalid entropy base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	return nil
}

// HTTPProvider fetches randomness from a beacon service. The beacon answers
// GET {base}/randomness/{request_id} with {"request_id": ..., "randomness": "<hex>"} and
// returns the same bytes for the same request id.
type HTTPProvider struct {
	log *slog.Logger
	cfg HTTPConfig
}

func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPProvider{log: cfg.Logger, cfg: cfg}, nil
}

type beaconResponse struct {
	RequestID  string `json:"request_id"`
	Randomness string `json:"randomness"`
}

// statusError carries the beacon's HTTP status so retry can classify it.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("entropy beacon returned status %d: %s", e.code, e.body)
}

func (e *statusError) StatusCode() int {
	return e.code
}

func (p *HTTPProvider) Randomness(ctx context.Context, requestID string) ([]byte, error) {
	start := time.Now()
	b, err := p.fetch(ctx, requestID)
	metrics.RecordExternal("entropy", "randomness", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	p.log.Debug("entropy: randomness received", "request_id", requestID)
	return b, nil
}

func (p *HTTPProvider) fetch(ctx context.Context, requestID string) ([]byte, error) {
	endpoint, err := url.JoinPath(p.cfg.BaseURL, "randomness", requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to build entropy url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}

	var out beaconResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.RequestID != "" && out.RequestID != requestID {
		return nil, fmt.Errorf("entropy beacon answered request %q, want %q", out.RequestID, requestID)
	}
	b, err := hex.DecodeString(out.Randomness)
	if err != nil {
		return nil, fmt.Errorf("failed to decode randomness: %w", err)
	}
	if len(b) < Size {
		return nil, fmt.Errorf("entropy beacon returned %d bytes, want at least %d", len(b), Size)
	}
	return b, nil
}

// CryptoProvider draws from the operating system's CSPRNG. It is meant for local
// development where no beacon is available; its output cannot be audited afterwards.
type CryptoProvider struct{}

func (CryptoProvider) Randomness(context.Context, string) ([]byte, error) {
	b := make([]byte, Size)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}
