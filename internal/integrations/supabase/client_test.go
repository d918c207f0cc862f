package supabase

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExchangeToken_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" || r.Header.Get("apikey") != "service-key" || r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"user-1","email":"a@b.c"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/", "service-key")
	require.NoError(t, err)
	id, err := c.ExchangeToken(context.Background(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", id)
}

func TestExchangeToken_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"msg":"invalid JWT"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "k")
	require.NoError(t, err)
	_, err = c.ExchangeToken(context.Background(), "bad")
	require.ErrorIs(t, err, ErrInvalidToken)

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusUnauthorized, statusErr.HTTPStatusCode())
}

func TestExchangeToken_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "k")
	require.NoError(t, err)
	_, err = c.ExchangeToken(context.Background(), "tok")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrInvalidToken))
}

func TestExchangeToken_MissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "k")
	require.NoError(t, err)
	_, err = c.ExchangeToken(context.Background(), "tok")
	require.ErrorContains(t, err, "id missing")
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(" ", "k")
	require.Error(t, err)
	_, err = NewClient("http://x", "")
	require.Error(t, err)

	c, err := NewClient("http://x", "k")
	require.NoError(t, err)
	_, err = c.ExchangeToken(context.Background(), " ")
	require.ErrorIs(t, err, ErrInvalidToken)
}
