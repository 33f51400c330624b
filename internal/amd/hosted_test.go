package amd

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHostedClassify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/amd/huggingface" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "audio/wav" {
			t.Errorf("Content-Type = %q, want audio/wav", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "RIFFfake" {
			t.Errorf("body = %q", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"label":"machine","confidence":0.85,"model_used":"wav2vec2-amd"}`))
	}))
	defer srv.Close()

	h := NewHostedClassifier(HostedConfig{
		Name:    "ml-hosted-a",
		BaseURL: srv.URL,
		Path:    "/api/amd/huggingface",
	}, nil, slog.Default())

	res, err := h.Classify(context.Background(), []byte("RIFFfake"))
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	if res.Label != LabelMachine {
		t.Errorf("Label = %q, want machine", res.Label)
	}
	if res.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want 0.85", res.Confidence)
	}
	if res.Model != "wav2vec2-amd" {
		t.Errorf("Model = %q, want wav2vec2-amd", res.Model)
	}
}

func TestHostedClassifyServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"label":"error","confidence":0,"error":"model not loaded"}`))
	}))
	defer srv.Close()

	h := NewHostedClassifier(HostedConfig{
		Name:    "ml-hosted-a",
		BaseURL: srv.URL,
		Path:    "/api/amd/huggingface",
	}, nil, slog.Default())

	if _, err := h.Classify(context.Background(), []byte("wav")); err == nil {
		t.Fatal("Classify() succeeded on classifier-reported error")
	} else if !strings.Contains(err.Error(), "model not loaded") {
		t.Errorf("error = %v, want classifier message included", err)
	}
}

func TestHostedClassifyHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := NewHostedClassifier(HostedConfig{
		Name:    "ml-hosted-b",
		BaseURL: srv.URL,
		Path:    "/api/amd/audio-features",
	}, nil, slog.Default())

	if _, err := h.Classify(context.Background(), []byte("wav")); err == nil {
		t.Fatal("Classify() succeeded on HTTP 503")
	}
}

func TestHostedStartCallFallsBackToStandIn(t *testing.T) {
	h := NewHostedClassifier(HostedConfig{Name: "ml-hosted-a"}, nil, slog.Default())

	res, err := h.StartCall(context.Background(), "+15550100", "call-7")
	if err != nil {
		t.Fatalf("StartCall() error: %v", err)
	}
	if res.ExternalID == "" || res.ProviderStatus != "initiated" {
		t.Errorf("stand-in start = %+v", res)
	}
}

func TestHostedStartCallDelegates(t *testing.T) {
	fake := &fakeAdapter{}
	h := NewHostedClassifier(HostedConfig{Name: "ml-hosted-a"}, fake, slog.Default())

	res, err := h.StartCall(context.Background(), "+15550100", "call-7")
	if err != nil {
		t.Fatalf("StartCall() error: %v", err)
	}
	if fake.starts != 1 {
		t.Errorf("starter invoked %d times, want 1", fake.starts)
	}
	if res.ExternalID != "EX-call-7" {
		t.Errorf("ExternalID = %q, want EX-call-7", res.ExternalID)
	}
}
