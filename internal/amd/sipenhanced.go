package amd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// SIPEnhancedConfig configures the SIP AMD platform adapter (a
// jambonz-style platform that terminates the call on its own SIP stack and
// runs beep/greeting analysis there).
type SIPEnhancedConfig struct {
	Host      string // SIP host of the platform; empty disables the live path
	Port      int
	Transport string // "udp" | "tcp" | "tls"
	APIBase   string // platform REST API base for call creation
	PublicURL string // callback base URL passed to the platform
}

// probeTimeout bounds the OPTIONS reachability check before call creation.
const probeTimeout = 5 * time.Second

// SIPEnhancedAdapter places calls through a SIP-based AMD platform. Before
// each call it verifies the platform answers a SIP OPTIONS ping, so a dead
// platform fails the dial request immediately instead of leaving the call
// stranded in initiated.
type SIPEnhancedAdapter struct {
	cfg        SIPEnhancedConfig
	ua         *sipgo.UserAgent
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSIPEnhancedAdapter creates the sip-enhanced adapter. When no platform
// host is configured the adapter degrades to the stand-in contract.
func NewSIPEnhancedAdapter(cfg SIPEnhancedConfig, logger *slog.Logger) (*SIPEnhancedAdapter, error) {
	l := logger.With("adapter", "sip-enhanced")

	var ua *sipgo.UserAgent
	if cfg.Host != "" {
		var err error
		ua, err = sipgo.NewUA(sipgo.WithUserAgent("callsift"))
		if err != nil {
			return nil, fmt.Errorf("creating sip user agent: %w", err)
		}
	}

	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.Port == 0 {
		cfg.Port = 5060
	}

	return &SIPEnhancedAdapter{
		cfg:        cfg,
		ua:         ua,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     l,
	}, nil
}

// Close releases the SIP user agent.
func (a *SIPEnhancedAdapter) Close() {
	if a.ua != nil {
		a.ua.Close()
	}
}

// probe sends a SIP OPTIONS ping to the platform and returns an error if it
// is unreachable or responds with a non-2xx status.
func (a *SIPEnhancedAdapter) probe(ctx context.Context) error {
	client, err := sipgo.NewClient(a.ua,
		sipgo.WithClientLogger(a.logger),
	)
	if err != nil {
		return fmt.Errorf("creating sip client: %w", err)
	}
	defer client.Close()

	recipientStr := fmt.Sprintf("sip:%s:%d", a.cfg.Host, a.cfg.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport(strings.ToUpper(a.cfg.Transport))

	pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	tx, err := client.TransactionRequest(pingCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}
	defer tx.Terminate()

	select {
	case <-pingCtx.Done():
		return pingCtx.Err()
	case <-tx.Done():
		return fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return fmt.Errorf("options ping returned status %d %s", res.StatusCode, res.Reason)
		}
		return nil
	}
}

// platformCallRequest is the call-creation document for the platform API.
type platformCallRequest struct {
	To             string `json:"to"`
	CallID         string `json:"call_id"`
	StatusCallback string `json:"status_callback"`
	AMD            bool   `json:"amd"`
}

// platformCallResponse is the platform's call-creation response.
type platformCallResponse struct {
	CallSID string `json:"call_sid"`
	Status  string `json:"status"`
}

// StartCall verifies platform reachability, then asks its REST API to place
// the call with AMD enabled.
func (a *SIPEnhancedAdapter) StartCall(ctx context.Context, phoneNumber, callID string) (*StartResult, error) {
	if a.cfg.Host == "" || a.cfg.APIBase == "" {
		return standInStart(a.logger, callID), nil
	}

	if err := a.probe(ctx); err != nil {
		return nil, fmt.Errorf("sip platform unreachable: %w", err)
	}

	body, err := json.Marshal(platformCallRequest{
		To:             phoneNumber,
		CallID:         callID,
		StatusCallback: a.cfg.PublicURL + "/provider/events",
		AMD:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling call request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.APIBase+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("platform returned status %d", resp.StatusCode)
	}

	var pr platformCallResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	a.logger.Info("sip platform call created", "call_id", callID, "external_id", pr.CallSID)

	return &StartResult{ExternalID: pr.CallSID, ProviderStatus: pr.Status}, nil
}

// Classify is a stand-in: the platform reports its AMD verdict through the
// status webhook's answered-by field and does not stream raw signals, so a
// direct classify request has nothing better than a low-confidence
// uncertain answer.
func (a *SIPEnhancedAdapter) Classify(ctx context.Context, signal []byte) (Result, error) {
	if len(signal) > 0 {
		return MapAnsweredBy(string(signal)), nil
	}
	return Result{Label: LabelUncertain, Confidence: 0.35, Model: "sip-enhanced-standin"}, nil
}

var _ Adapter = (*SIPEnhancedAdapter)(nil)
