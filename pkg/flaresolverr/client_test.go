package flaresolverr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stream-gateway-go/pkg/logging"
)

func TestClient_Get_Success(t *testing.T) {
	log := logging.Discard()

	expectedResponse := Response{
		Status:  "ok",
		Message: "Success",
		Solution: Solution{
			URL:       "https://embed.example/e/1",
			Status:    200,
			Response:  "<html><body>Hello World</body></html>",
			UserAgent: "Mozilla/5.0 Test",
			Cookies: []Cookie{
				{Name: "cf_clearance", Value: "test-token", Domain: ".embed.example"},
			},
		},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1" {
			t.Errorf("expected path /v1, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Cmd != "request.get" {
			t.Errorf("expected cmd request.get, got %s", req.Cmd)
		}
		if req.URL != "https://embed.example/e/1" {
			t.Errorf("unexpected URL %s", req.URL)
		}
		if req.MaxTimeout != 30000 {
			t.Errorf("maxTimeout = %d", req.MaxTimeout)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(expectedResponse)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", 30*time.Second, log)

	resp, err := client.Get(context.Background(), "https://embed.example/e/1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Solution.Response != expectedResponse.Solution.Response {
		t.Errorf("response mismatch")
	}
	if len(resp.Solution.Cookies) != 1 || resp.Solution.Cookies[0].Name != "cf_clearance" {
		t.Errorf("cookies = %+v", resp.Solution.Cookies)
	}
}

func TestClient_Solve(t *testing.T) {
	tests := []struct {
		name      string
		solution  Solution
		wantFinal string
	}{
		{"final url reported", Solution{URL: "https://embed.example/final", Response: "<html></html>"}, "https://embed.example/final"},
		{"final url missing", Solution{Response: "<html></html>"}, "https://embed.example/e/1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(Response{Status: "ok", Solution: tt.solution})
			}))
			defer server.Close()

			final, page, err := NewClient(server.URL, time.Second, logging.Discard()).Solve(context.Background(), "https://embed.example/e/1")
			if err != nil {
				t.Fatalf("Solve() error = %v", err)
			}
			if final != tt.wantFinal || page != "<html></html>" {
				t.Errorf("Solve() = %q, %q", final, page)
			}
		})
	}
}

func TestClient_Get_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{
			Status:  "error",
			Message: "Cloudflare challenge failed",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second, logging.Discard())

	_, err := client.Get(context.Background(), "https://embed.example/")
	if !errors.Is(err, ErrSolverFailed) {
		t.Fatalf("error = %v, want ErrSolverFailed", err)
	}
	if err.Error() != "flaresolverr: challenge not solved: Cloudflare challenge failed" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestClient_Get_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
	}))
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second, logging.Discard())

	if _, err := client.Get(context.Background(), "https://embed.example/"); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestClient_IsConfigured(t *testing.T) {
	log := logging.Discard()

	if !NewClient("http://localhost:8191", 30*time.Second, log).IsConfigured() {
		t.Error("expected client to be configured")
	}
	if NewClient("", 30*time.Second, log).IsConfigured() {
		t.Error("expected empty client to not be configured")
	}
}
