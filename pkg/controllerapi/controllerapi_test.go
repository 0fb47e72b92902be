package controllerapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"tunnelmesh/pkg/errs"
)

func TestConnectConfigSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/client/connect-config", r.URL.Path)
		var req connectConfigRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "tok123", req.Token)

		json.NewEncoder(w).Encode(ConnectConfigResponse{
			ServerAddr: "10.0.0.1",
			ServerPort: 7000,
			Protocol:   "quic",
			ClientID:   "c1",
			ClientName: "client-one",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.ConnectConfig(t.Context(), "tok123")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", resp.ServerAddr)
	require.Equal(t, 7000, resp.ServerPort)
	require.Equal(t, "c1", resp.ClientID)
}

func TestConnectConfigRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(errorResponse{Error: "InvalidToken", Message: "token not recognized"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.ConnectConfig(t.Context(), "bad")
	require.ErrorIs(t, err, errs.AuthRejected)
	require.Contains(t, err.Error(), "InvalidToken")
}

func TestConnectConfigServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.ConnectConfig(t.Context(), "tok")
	require.ErrorIs(t, err, errs.Transport)
}

func TestParseKCPNil(t *testing.T) {
	require.Nil(t, ParseKCP(nil))
}

func TestParseKCP(t *testing.T) {
	p := ParseKCP(&KCPParamsDTO{NoDelay: true, Interval: 10, Resend: 2, NC: true})
	require.NotNil(t, p)
	require.True(t, p.NoDelay)
	require.EqualValues(t, 10, p.Interval)
}
