package amd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// RealtimeConfig configures the streaming classifier backend.
type RealtimeConfig struct {
	// WSURL is the classifier's websocket endpoint,
	// e.g. "ws://localhost:8000/ws/amd/huggingface".
	WSURL string
}

// realtimeChunkSize is the binary frame size for streamed audio.
const realtimeChunkSize = 8192

// RealtimeClassifier streams call audio to the classifier service over a
// websocket and reads the final verdict. Like the hosted classifier it does
// not place calls; the call leg comes from the CallStarter or a stand-in.
type RealtimeClassifier struct {
	cfg     RealtimeConfig
	starter CallStarter
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// NewRealtimeClassifier creates the ml-realtime adapter.
func NewRealtimeClassifier(cfg RealtimeConfig, starter CallStarter, logger *slog.Logger) *RealtimeClassifier {
	return &RealtimeClassifier{
		cfg:     cfg,
		starter: starter,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With("adapter", "ml-realtime"),
	}
}

// StartCall delegates call placement to the carrier when available.
func (r *RealtimeClassifier) StartCall(ctx context.Context, phoneNumber, callID string) (*StartResult, error) {
	if r.starter != nil {
		return r.starter.StartCall(ctx, phoneNumber, callID)
	}
	return standInStart(r.logger, callID), nil
}

// streamEnd signals the classifier that no more audio follows.
var streamEnd = []byte(`{"event":"end"}`)

// realtimeResult is the classifier's final websocket message.
type realtimeResult struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	ModelUsed  string  `json:"model_used"`
	Error      string  `json:"error"`
}

// Classify streams the audio signal in binary frames, sends an end marker,
// and waits for the JSON verdict. The caller's context bounds the whole
// exchange.
func (r *RealtimeClassifier) Classify(ctx context.Context, signal []byte) (Result, error) {
	conn, _, err := r.dialer.DialContext(ctx, r.cfg.WSURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("ml-realtime: dialing classifier: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	for off := 0; off < len(signal); off += realtimeChunkSize {
		end := off + realtimeChunkSize
		if end > len(signal) {
			end = len(signal)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, signal[off:end]); err != nil {
			return Result{}, fmt.Errorf("ml-realtime: streaming audio: %w", err)
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, streamEnd); err != nil {
		return Result{}, fmt.Errorf("ml-realtime: sending end marker: %w", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return Result{}, fmt.Errorf("ml-realtime: reading verdict: %w", err)
	}

	var rr realtimeResult
	if err := json.Unmarshal(msg, &rr); err != nil {
		return Result{}, fmt.Errorf("ml-realtime: decoding verdict: %w", err)
	}
	if rr.Error != "" {
		return Result{}, fmt.Errorf("ml-realtime: classifier error: %s", rr.Error)
	}

	model := rr.ModelUsed
	if model == "" {
		model = "ml-realtime"
	}

	return Result{
		Label:      Label(rr.Label),
		Confidence: rr.Confidence,
		Model:      model,
	}.Normalize(), nil
}

var _ Adapter = (*RealtimeClassifier)(nil)
