package ice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/velora-app/callkit/internal/config"
)

func TestStatic(t *testing.T) {
	servers := Static([]string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, servers[0].URLs)
}

func TestFetchTURN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-9", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"urls":["turn:relay.example.com:3478"],"username":"u","credential":"c"}]`))
	}))
	defer srv.Close()

	servers, err := FetchTURN(context.Background(), nil, srv.URL, "tok-9")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"turn:relay.example.com:3478"}, servers[0].URLs)
	assert.Equal(t, "u", servers[0].Username)
	assert.Equal(t, "c", servers[0].Credential)
}

func TestFetchTURN_NoEndpoint(t *testing.T) {
	_, err := FetchTURN(context.Background(), nil, "", "tok")
	assert.ErrorIs(t, err, ErrNoTURNEndpoint)
}

func TestFetchTURN_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := FetchTURN(context.Background(), nil, srv.URL, "tok")
	assert.Error(t, err)
}

func TestAssemble_ProceedsOnSTUNWhenTURNFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.WebRTCConfig{
		STUNServers:        []string{"stun:stun.l.google.com:19302"},
		TURNCredentialsURL: srv.URL,
	}

	servers := Assemble(context.Background(), cfg, "tok", nil)
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, servers[0].URLs)
}

func TestAssemble_MergesTURN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"urls":["turn:relay.example.com:3478"],"username":"u","credential":"c"}]`))
	}))
	defer srv.Close()

	cfg := config.WebRTCConfig{
		STUNServers:        []string{"stun:stun.l.google.com:19302"},
		TURNCredentialsURL: srv.URL,
	}

	servers := Assemble(context.Background(), cfg, "tok", nil)
	require.Len(t, servers, 2)
	assert.Equal(t, "u", servers[1].Username)
}
