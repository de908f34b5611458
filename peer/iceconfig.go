package peer

import (
	"context"
	"log/slog"

	"github.com/go-resty/resty/v2"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers back every session when no TURN provider is configured
// or the fetch fails.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type iceServerDoc struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type iceConfigDoc struct {
	ICEServers []iceServerDoc `json:"iceServers"`
}

// STUNOnlyConfig is the fallback configuration used when no credential
// endpoint is reachable.
func STUNOnlyConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: DefaultSTUNServers}},
	}
}

// FetchICEConfig retrieves ICE servers (typically TURN with short-lived
// credentials) from endpoint. Any failure degrades to the STUN-only
// configuration instead of an error; direct connections still work without
// TURN.
func FetchICEConfig(ctx context.Context, c *resty.Client, endpoint string) webrtc.Configuration {
	if endpoint == "" {
		return STUNOnlyConfig()
	}

	var doc iceConfigDoc
	res, err := c.R().SetContext(ctx).SetResult(&doc).Get(endpoint)
	if err != nil {
		slog.Warn("ice config fetch failed, using stun only", "err", err)
		return STUNOnlyConfig()
	}
	if res.IsError() || len(doc.ICEServers) == 0 {
		slog.Warn("ice config unusable, using stun only", "status", res.Status(), "servers", len(doc.ICEServers))
		return STUNOnlyConfig()
	}

	servers := make([]webrtc.ICEServer, 0, len(doc.ICEServers))
	for _, s := range doc.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	slog.Info("ice config fetched", "servers", len(servers))
	return webrtc.Configuration{ICEServers: servers}
}
