package commands

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"telechat/internal/api"
	"telechat/internal/backend"
	"telechat/internal/config"

	"github.com/stretchr/testify/require"
)

func TestParseSignUp(t *testing.T) {
	req, err := ParseSignUp("a@example.com:secret1:alice")
	require.NoError(t, err)
	require.Equal(t, api.SignUpRequest{Email: "a@example.com", Password: "secret1", Username: "alice"}, req)

	for _, bad := range []string{"", "a@example.com:secret1", "a@example.com::alice", "a:b:c:d"} {
		_, err := ParseSignUp(bad)
		require.Error(t, err, bad)
	}
}

func TestSignUp(t *testing.T) {
	var got api.SignUpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auth/signup", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.Username == "taken" {
			http.Error(w, `{"error":"conflict"}`, http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(backend.Session{UserID: "u1", Email: got.Email})
	}))
	defer srv.Close()

	cfg := &config.Config{BaseURL: srv.URL + "/"}
	require.NoError(t, SignUp("a@example.com:secret1:alice", cfg))
	require.Equal(t, "alice", got.Username)

	err := SignUp("b@example.com:secret1:taken", cfg)
	require.ErrorContains(t, err, "409")
}
