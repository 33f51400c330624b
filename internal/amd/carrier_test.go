package amd

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCarrierStartCall(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Calls.json" {
			t.Errorf("path = %q", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Error("missing or wrong basic auth")
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		gotForm = map[string]string{
			"To":               r.PostFormValue("To"),
			"MachineDetection": r.PostFormValue("MachineDetection"),
			"Url":              r.PostFormValue("Url"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CA999","status":"queued"}`))
	}))
	defer srv.Close()

	a := NewCarrierAdapter(CarrierConfig{
		AccountSID:       "AC123",
		AuthToken:        "secret",
		FromNumber:       "+15550100",
		APIBase:          srv.URL,
		PublicURL:        "https://calls.example.com",
		MachineDetection: "Enable",
	}, slog.Default())

	res, err := a.StartCall(context.Background(), "+18007742678", "call-42")
	if err != nil {
		t.Fatalf("StartCall() error: %v", err)
	}
	if res.ExternalID != "CA999" {
		t.Errorf("ExternalID = %q, want CA999", res.ExternalID)
	}
	if res.ProviderStatus != "queued" {
		t.Errorf("ProviderStatus = %q, want queued", res.ProviderStatus)
	}
	if gotForm["To"] != "+18007742678" {
		t.Errorf("To = %q", gotForm["To"])
	}
	if gotForm["MachineDetection"] != "Enable" {
		t.Errorf("MachineDetection = %q, want Enable", gotForm["MachineDetection"])
	}
	if gotForm["Url"] != "https://calls.example.com/provider/voice?callId=call-42" {
		t.Errorf("Url = %q", gotForm["Url"])
	}
}

func TestCarrierStartCallFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"The 'To' number is not a valid phone number"}`))
	}))
	defer srv.Close()

	a := NewCarrierAdapter(CarrierConfig{
		AccountSID: "AC123",
		AuthToken:  "secret",
		APIBase:    srv.URL,
	}, slog.Default())

	if _, err := a.StartCall(context.Background(), "+1", "call-1"); err == nil {
		t.Fatal("StartCall() succeeded on provider 400")
	}
}

func TestMapAnsweredBy(t *testing.T) {
	tests := []struct {
		answeredBy string
		wantLabel  Label
		wantConf   float64
	}{
		{"human", LabelHuman, 0.9},
		{"machine_start", LabelMachine, 0.85},
		{"machine_end_beep", LabelMachine, 0.85},
		{"unknown", LabelUncertain, 0.5},
		{"", LabelUncertain, 0.5},
	}

	for _, tt := range tests {
		got := MapAnsweredBy(tt.answeredBy)
		if got.Label != tt.wantLabel {
			t.Errorf("MapAnsweredBy(%q).Label = %q, want %q", tt.answeredBy, got.Label, tt.wantLabel)
		}
		if got.Confidence != tt.wantConf {
			t.Errorf("MapAnsweredBy(%q).Confidence = %v, want %v", tt.answeredBy, got.Confidence, tt.wantConf)
		}
	}
}
