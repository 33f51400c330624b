package amd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CarrierConfig configures the native-carrier adapter: the telephony
// provider places the call and runs its own machine detection, reporting
// the outcome as an answered-by token on the status webhook.
type CarrierConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	APIBase    string // e.g. "https://api.twilio.com"
	PublicURL  string // externally reachable base URL for callbacks

	// MachineDetection selects the carrier's native AMD mode ("Enable" or
	// "DetectMessageEnd"). Empty disables it, for when the carrier only
	// provides the call leg and a separate classifier strategy owns
	// detection.
	MachineDetection string
}

// CarrierAdapter drives the telephony provider's REST API.
type CarrierAdapter struct {
	cfg        CarrierConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCarrierAdapter creates the native-carrier adapter.
func NewCarrierAdapter(cfg CarrierConfig, logger *slog.Logger) *CarrierAdapter {
	return &CarrierAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With("adapter", "native-carrier"),
	}
}

// carrierCallResponse is the subset of the provider's call resource we use.
type carrierCallResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StartCall creates an outbound call via the provider REST API. The
// internal call id rides along in the voice callback URL so mid-call
// control requests can be matched to the record.
func (a *CarrierAdapter) StartCall(ctx context.Context, phoneNumber, callID string) (*StartResult, error) {
	form := url.Values{}
	form.Set("To", phoneNumber)
	form.Set("From", a.cfg.FromNumber)
	form.Set("Url", a.cfg.PublicURL+"/provider/voice?callId="+url.QueryEscape(callID))
	form.Set("StatusCallback", a.cfg.PublicURL+"/provider/events")
	form.Set("StatusCallbackMethod", "POST")
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}
	form.Set("Timeout", "60")
	if a.cfg.MachineDetection != "" {
		form.Set("MachineDetection", a.cfg.MachineDetection)
		form.Set("MachineDetectionTimeout", "30")
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", a.cfg.APIBase, a.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("carrier: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("carrier: sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("carrier: reading response: %w", err)
	}

	var cr carrierCallResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, fmt.Errorf("carrier: decoding response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if cr.Message != "" {
			return nil, fmt.Errorf("carrier: call creation failed (status %d): %s", resp.StatusCode, cr.Message)
		}
		return nil, fmt.Errorf("carrier: call creation returned status %d", resp.StatusCode)
	}

	a.logger.Info("carrier call created", "call_id", callID, "external_id", cr.SID, "provider_status", cr.Status)

	return &StartResult{ExternalID: cr.SID, ProviderStatus: cr.Status}, nil
}

// Classify maps the carrier's answered-by token into the normalized shape.
// The signal payload is the raw token from the status webhook.
func (a *CarrierAdapter) Classify(ctx context.Context, signal []byte) (Result, error) {
	return MapAnsweredBy(string(signal)), nil
}

// MapAnsweredBy translates the carrier's native answered-by vocabulary.
// The carrier does not report per-call confidence, so fixed values are
// assigned per token rather than fabricating precision.
func MapAnsweredBy(answeredBy string) Result {
	switch answeredBy {
	case "human":
		return Result{Label: LabelHuman, Confidence: 0.9, Model: "carrier-native"}
	case "machine_start", "machine_end_beep", "machine_end_silence", "machine_end_other":
		return Result{Label: LabelMachine, Confidence: 0.85, Model: "carrier-native"}
	default:
		return Result{Label: LabelUncertain, Confidence: 0.5, Model: "carrier-native"}
	}
}

var _ Adapter = (*CarrierAdapter)(nil)
