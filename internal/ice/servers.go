// Package ice assembles the ICE server set for a call: static STUN
// endpoints from config plus TURN credentials fetched from the backend.
// TURN credentials are short-lived and never ship in the client config.
package ice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/velora-app/callkit/internal/config"
	"github.com/velora-app/callkit/lib/logger/sl"
)

var ErrNoTURNEndpoint = errors.New("no turn credentials endpoint configured")

const fetchTimeout = 5 * time.Second

// turnCredentials is the backend response shape.
type turnCredentials struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

// Static maps configured STUN URLs to ICE servers.
func Static(urls []string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}

// FetchTURN retrieves TURN credentials from the backend, authenticated
// with the session's bearer token.
func FetchTURN(ctx context.Context, client *http.Client, url, token string) ([]webrtc.ICEServer, error) {
	if url == "" {
		return nil, ErrNoTURNEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("turn credentials endpoint returned %d", resp.StatusCode)
	}

	var creds []turnCredentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(creds))
	for _, c := range creds {
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.URLs,
			Username:   c.Username,
			Credential: c.Credential,
		})
	}
	return servers, nil
}

// Assemble returns static STUN plus fetched TURN servers. A failed TURN
// fetch is logged and the call proceeds on STUN alone.
func Assemble(ctx context.Context, cfg config.WebRTCConfig, token string, log *slog.Logger) []webrtc.ICEServer {
	if log == nil {
		log = slog.Default()
	}

	servers := Static(cfg.STUNServers)

	turn, err := FetchTURN(ctx, nil, cfg.TURNCredentialsURL, token)
	if err != nil {
		if !errors.Is(err, ErrNoTURNEndpoint) {
			log.Warn("turn credentials fetch failed", sl.Err(err))
		}
		return servers
	}

	log.Info("turn credentials fetched", slog.Int("servers", len(turn)))
	return append(servers, turn...)
}
