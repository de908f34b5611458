package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-resty/resty/v2"
)

func TestFetchICEConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"iceServers":[{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"c"}]}`))
	}))
	defer server.Close()

	cfg := FetchICEConfig(context.Background(), resty.New(), server.URL)
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("expected 1 ice server, got %d", len(cfg.ICEServers))
	}
	s := cfg.ICEServers[0]
	if s.Username != "u" || s.Credential != "c" {
		t.Errorf("credentials not carried over: %+v", s)
	}
}

func TestFetchICEConfigFallsBackToSTUN(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	for _, endpoint := range []string{"", server.URL, "http://127.0.0.1:1"} {
		cfg := FetchICEConfig(context.Background(), resty.New(), endpoint)
		if len(cfg.ICEServers) != 1 || len(cfg.ICEServers[0].URLs) == 0 {
			t.Errorf("endpoint %q: expected stun fallback, got %+v", endpoint, cfg.ICEServers)
		}
	}
}
