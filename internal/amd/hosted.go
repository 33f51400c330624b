package amd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/icholy/digest"
)

// HostedConfig configures a hosted ML classifier backend.
type HostedConfig struct {
	Name    string // adapter name, used as the fallback model identifier
	BaseURL string // classifier service base, e.g. "http://localhost:8000"
	Path    string // classification endpoint path

	// Username/Password enable HTTP digest auth for deployments that put
	// the classifier behind a digest-protected proxy.
	Username string
	Password string
}

// HostedClassifier classifies recorded call audio via a hosted model
// service. It does not place calls itself: the call leg comes from the
// configured CallStarter, or a synthetic stand-in when none is wired.
type HostedClassifier struct {
	cfg        HostedConfig
	starter    CallStarter
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHostedClassifier creates a hosted classifier adapter. starter may be
// nil when no carrier is configured; StartCall then falls back to the
// stand-in start used in development.
func NewHostedClassifier(cfg HostedConfig, starter CallStarter, logger *slog.Logger) *HostedClassifier {
	client := &http.Client{Timeout: 30 * time.Second}
	if cfg.Username != "" {
		client.Transport = &digest.Transport{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	return &HostedClassifier{
		cfg:        cfg,
		starter:    starter,
		httpClient: client,
		logger:     logger.With("adapter", cfg.Name),
	}
}

// StartCall delegates call placement to the carrier when available.
func (h *HostedClassifier) StartCall(ctx context.Context, phoneNumber, callID string) (*StartResult, error) {
	if h.starter != nil {
		return h.starter.StartCall(ctx, phoneNumber, callID)
	}
	return standInStart(h.logger, callID), nil
}

// hostedResponse matches the classifier service's result document.
type hostedResponse struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	ModelUsed  string  `json:"model_used"`
	Error      string  `json:"error"`
}

// Classify posts the audio signal to the classifier service and maps its
// response into the normalized shape.
func (h *HostedClassifier) Classify(ctx context.Context, signal []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.cfg.BaseURL+h.cfg.Path, bytes.NewReader(signal))
	if err != nil {
		return Result{}, fmt.Errorf("%s: creating request: %w", h.cfg.Name, err)
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%s: sending request: %w", h.cfg.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Result{}, fmt.Errorf("%s: reading response: %w", h.cfg.Name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%s: classifier returned status %d", h.cfg.Name, resp.StatusCode)
	}

	var hr hostedResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		return Result{}, fmt.Errorf("%s: decoding response: %w", h.cfg.Name, err)
	}
	if hr.Error != "" {
		return Result{}, fmt.Errorf("%s: classifier error: %s", h.cfg.Name, hr.Error)
	}

	model := hr.ModelUsed
	if model == "" {
		model = h.cfg.Name
	}

	return Result{
		Label:      Label(hr.Label),
		Confidence: hr.Confidence,
		Model:      model,
	}.Normalize(), nil
}

var _ Adapter = (*HostedClassifier)(nil)
