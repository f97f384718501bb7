package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cmdhema/lootpang-agent-llm/internal/nlu"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestAnalyzeSuccess(t *testing.T) {
	var capturedPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		defer r.Body.Close()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{
					"content": map[string]any{
						"parts": []map[string]any{
							{"text": `{"action":"BORROW","response":"Preparing your loan.","confidence":0.9,"context":{"amount":"3","token":"kkcoin"}}`},
						},
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	analysis, err := client.Analyze(context.Background(), nlu.Request{Text: "borrow 3 kkcoin", State: "IDLE"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if analysis.Action != "BORROW" {
		t.Fatalf("unexpected action: %s", analysis.Action)
	}
	if analysis.Context["amount"] != "3" || analysis.Context["token"] != "kkcoin" {
		t.Fatalf("unexpected context: %v", analysis.Context)
	}
	if !strings.Contains(capturedPath, "generateContent") {
		t.Fatalf("unexpected request path: %s", capturedPath)
	}
}

func TestAnalyzeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	if _, err := client.Analyze(context.Background(), nlu.Request{Text: "hi"}); err == nil {
		t.Fatalf("expected error on http failure")
	}
}

func TestParseAnalysisStrictSchema(t *testing.T) {
	// 模型把 JSON 包在说明文字里也应能解析。
	wrapped := "Sure! Here is the result:\n```json\n{\"action\":\"check_loan_status\",\"response\":\"Checking...\",\"confidence\":0.8}\n```"
	analysis := ParseAnalysis(wrapped)
	if analysis.Action != "CHECK_LOAN_STATUS" {
		t.Fatalf("unexpected action: %s", analysis.Action)
	}

	// 纯文本降级为 GENERAL，原文作为回复。
	plain := ParseAnalysis("I cannot help with that.")
	if plain.Action != "GENERAL" {
		t.Fatalf("expected GENERAL fallback, got %s", plain.Action)
	}
	if plain.Reply != "I cannot help with that." {
		t.Fatalf("expected raw text reply, got %q", plain.Reply)
	}

	// 缺少必填字段的 JSON 同样降级。
	missing := ParseAnalysis(`{"action":"","response":""}`)
	if missing.Action != "GENERAL" {
		t.Fatalf("expected GENERAL on schema violation, got %s", missing.Action)
	}
}
