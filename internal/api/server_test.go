package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/callsift/callsift/internal/amd"
	"github.com/callsift/callsift/internal/config"
	"github.com/callsift/callsift/internal/database"
	"github.com/callsift/callsift/internal/database/models"
	"github.com/callsift/callsift/internal/engine"
)

func newTestServer(t *testing.T) (*Server, database.CallRepository, *engine.Machine) {
	t.Helper()

	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calls := database.NewCallRepository(db)

	adapters := make(map[string]amd.Adapter)
	for _, strat := range models.Strategies {
		adapters[strat] = &amd.StandInAdapter{Model: strat + "-standin", Logger: logger}
	}
	adapters[models.StrategyNativeCarrier] = amd.NewCarrierAdapter(amd.CarrierConfig{}, logger)
	dispatcher, err := amd.NewDispatcher(adapters, time.Second, logger)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	machine := engine.NewMachine(calls, dispatcher, logger)

	cfg := &config.Config{
		GreetingMessage:     "Hello.",
		GreetingHoldSeconds: 2,
	}
	srv := NewServer(calls, machine, cfg, logger)
	t.Cleanup(srv.Close)
	return srv, calls, machine
}

func seedAPICall(t *testing.T, calls database.CallRepository, externalID, status string) *models.Call {
	t.Helper()
	ext := externalID
	call := &models.Call{
		ID:          uuid.NewString(),
		ExternalID:  &ext,
		PhoneNumber: "+15551234567",
		Strategy:    models.StrategyNativeCarrier,
		Status:      status,
		StartedAt:   time.Now().UTC().Add(-time.Minute),
	}
	if err := calls.Create(context.Background(), call); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return call
}

func decodeEnvelope(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var env struct {
		Data  map[string]any `json:"data"`
		Error string         `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decoding response: %v\n%s", err, body)
	}
	return env.Data
}

func TestDial(t *testing.T) {
	srv, calls, _ := newTestServer(t)

	body := strings.NewReader(`{"phoneNumber":"+18007742678","strategy":"ml-hosted-a"}`)
	req := httptest.NewRequest(http.MethodPost, "/dial", body)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}

	data := decodeEnvelope(t, rr.Body.Bytes())
	callID, _ := data["callId"].(string)
	if callID == "" {
		t.Fatal("response missing callId")
	}
	if data["status"] != models.StatusInitiated {
		t.Errorf("status = %v, want initiated", data["status"])
	}
	if corr, _ := data["correlationId"].(string); corr == "" {
		t.Error("response missing correlationId")
	}

	call, err := calls.GetByID(context.Background(), callID)
	if err != nil || call == nil {
		t.Fatalf("GetByID() = %v, %v", call, err)
	}
	if call.Strategy != models.StrategyMLHostedA {
		t.Errorf("strategy = %q, want %q", call.Strategy, models.StrategyMLHostedA)
	}
}

func TestDialValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"bad number", `{"phoneNumber":"not-a-number","strategy":"native-carrier"}`},
		{"bad strategy", `{"phoneNumber":"+15551234567","strategy":"psychic"}`},
		{"not json", `phone=+15551234567`},
		{"unknown field", `{"phoneNumber":"+15551234567","tsrategy":"native-carrier"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/dial", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			srv.ServeHTTP(rr, req)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func postProviderEvent(srv *Server, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/provider/events", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	return rr
}

func TestProviderEvent(t *testing.T) {
	srv, calls, _ := newTestServer(t)
	call := seedAPICall(t, calls, "CA200", models.StatusInitiated)

	rr := postProviderEvent(srv, url.Values{
		"CallSid":    {"CA200"},
		"CallStatus": {"ringing"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	got, err := calls.GetByID(context.Background(), call.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID() = %v, %v", got, err)
	}
	if got.Status != models.StatusRinging {
		t.Errorf("status = %q, want ringing", got.Status)
	}
}

func TestProviderEventUnknownCallStill200(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := postProviderEvent(srv, url.Values{
		"CallSid":    {"CA-unknown"},
		"CallStatus": {"completed"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for unknown call", rr.Code)
	}

	var env struct {
		Data eventAck `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if env.Data.Received {
		t.Error("Received = true for unknown call")
	}
	if env.Data.Reason == "" {
		t.Error("Reason empty for unknown call")
	}
}

func TestProviderEventCompletedWithDuration(t *testing.T) {
	srv, calls, machine := newTestServer(t)
	call := seedAPICall(t, calls, "CA201", models.StatusAnswered)

	rr := postProviderEvent(srv, url.Values{
		"CallSid":      {"CA201"},
		"CallStatus":   {"completed"},
		"CallDuration": {"37"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	machine.Wait()

	got, err := calls.GetByID(context.Background(), call.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID() = %v, %v", got, err)
	}
	if got.Status != models.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Duration == nil || *got.Duration != 37 {
		t.Errorf("Duration = %v, want 37", got.Duration)
	}
}

func TestProviderAudio(t *testing.T) {
	srv, calls, _ := newTestServer(t)
	call := seedAPICall(t, calls, "CA210", models.StatusDetecting)

	// The native-carrier strategy classifies the raw answered-by token.
	req := httptest.NewRequest(http.MethodPost, "/provider/audio?callSid=CA210", strings.NewReader("human"))
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var env struct {
		Data eventAck `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !env.Data.Received {
		t.Errorf("Received = false: %s", rr.Body.String())
	}

	got, err := calls.GetByID(context.Background(), call.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID() = %v, %v", got, err)
	}
	if got.Status != models.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.AMDResult == nil || *got.AMDResult != string(amd.LabelHuman) {
		t.Errorf("AMDResult = %v, want human", got.AMDResult)
	}
	if got.Confidence == nil || *got.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", got.Confidence)
	}
}

func TestProviderAudioUnknownCallStill200(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/provider/audio?callSid=CA-none", strings.NewReader("audio"))
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for unknown call", rr.Code)
	}

	var env struct {
		Data eventAck `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if env.Data.Received {
		t.Error("Received = true for unknown call")
	}
	if env.Data.Reason != "unknown call" {
		t.Errorf("Reason = %q, want %q", env.Data.Reason, "unknown call")
	}
}

func TestProviderAudioMissingCallID(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/provider/audio", strings.NewReader("audio"))
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var env struct {
		Data eventAck `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if env.Data.Received {
		t.Error("Received = true without a call id")
	}
}

func TestProviderVoice(t *testing.T) {
	srv, calls, machine := newTestServer(t)
	call := seedAPICall(t, calls, "CA202", models.StatusRinging)

	form := url.Values{
		"CallSid":    {"CA202"},
		"AnsweredBy": {"human"},
	}
	req := httptest.NewRequest(http.MethodPost, "/provider/voice?callId="+call.ID, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("Content-Type = %q, want text/xml", ct)
	}
	if !strings.Contains(rr.Body.String(), "<Response>") {
		t.Errorf("body is not a voice document:\n%s", rr.Body.String())
	}

	machine.Wait()

	got, err := calls.GetByID(context.Background(), call.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID() = %v, %v", got, err)
	}
	if got.AMDResult == nil || *got.AMDResult != string(amd.LabelHuman) {
		t.Errorf("AMDResult = %v, want human from carrier verdict", got.AMDResult)
	}
}

func TestProviderVoiceTerminalCallHangsUp(t *testing.T) {
	srv, calls, _ := newTestServer(t)
	call := seedAPICall(t, calls, "CA203", models.StatusCompleted)

	req := httptest.NewRequest(http.MethodPost, "/provider/voice?callId="+call.ID, strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "<Hangup>") {
		t.Errorf("terminal call document missing Hangup:\n%s", body)
	}
	if strings.Contains(body, "<Pause") {
		t.Errorf("terminal call document should not hold the line:\n%s", body)
	}
}

func TestProviderVoiceUnknownCallStillServesDocument(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/provider/voice", strings.NewReader("CallSid=CA-none"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "<Response>") {
		t.Errorf("body is not a voice document:\n%s", rr.Body.String())
	}
}

func TestListCalls(t *testing.T) {
	srv, calls, _ := newTestServer(t)
	for i, ext := range []string{"CA300", "CA301", "CA302"} {
		status := models.StatusCompleted
		if i == 2 {
			status = models.StatusFailed
		}
		seedAPICall(t, calls, ext, status)
	}

	req := httptest.NewRequest(http.MethodGet, "/calls?page=1&limit=2", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}

	data := decodeEnvelope(t, rr.Body.Bytes())
	items, _ := data["items"].([]any)
	if len(items) != 2 {
		t.Errorf("items = %d, want 2", len(items))
	}
	if data["totalCount"] != float64(3) {
		t.Errorf("totalCount = %v, want 3", data["totalCount"])
	}
	if data["totalPages"] != float64(2) {
		t.Errorf("totalPages = %v, want 2", data["totalPages"])
	}
	if data["page"] != float64(1) {
		t.Errorf("page = %v, want 1", data["page"])
	}
}

func TestListCallsStatusFilter(t *testing.T) {
	srv, calls, _ := newTestServer(t)
	seedAPICall(t, calls, "CA310", models.StatusCompleted)
	seedAPICall(t, calls, "CA311", models.StatusFailed)

	req := httptest.NewRequest(http.MethodGet, "/calls?status=failed", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	data := decodeEnvelope(t, rr.Body.Bytes())
	items, _ := data["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}

	req = httptest.NewRequest(http.MethodGet, "/calls?status=bogus", nil)
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for bad filter", rr.Code)
	}
}

func TestGetCall(t *testing.T) {
	srv, calls, _ := newTestServer(t)
	call := seedAPICall(t, calls, "CA320", models.StatusRinging)

	req := httptest.NewRequest(http.MethodGet, "/calls/"+call.ID, nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	data := decodeEnvelope(t, rr.Body.Bytes())
	if data["id"] != call.ID {
		t.Errorf("id = %v, want %q", data["id"], call.ID)
	}
	if data["phoneNumber"] != call.PhoneNumber {
		t.Errorf("phoneNumber = %v, want %q", data["phoneNumber"], call.PhoneNumber)
	}

	req = httptest.NewRequest(http.MethodGet, "/calls/"+uuid.NewString(), nil)
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown id", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	data := decodeEnvelope(t, rr.Body.Bytes())
	if data["status"] != "ok" {
		t.Errorf("status = %v, want ok", data["status"])
	}
}
