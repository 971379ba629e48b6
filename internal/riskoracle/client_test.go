package riskoracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressauth/fortress/domain"
)

func TestHTTPClient_Evaluate(t *testing.T) {
	t.Run("returns the verdict verbatim", func(t *testing.T) {
		var received domain.LoginContext
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"shouldRequestMFA": true, "reason": "Unusual travel pattern."}`))
		}))
		defer srv.Close()

		client := NewHTTPClient(srv.URL, time.Second)
		verdict, err := client.Evaluate(context.Background(), domain.LoginContext{
			SourceAddress: "203.0.113.9",
			IsSuspicious:  true,
		})

		require.NoError(t, err)
		assert.True(t, verdict.ShouldRequireSecondFactor)
		assert.Equal(t, "Unusual travel pattern.", verdict.Reason)
		assert.Equal(t, "203.0.113.9", received.SourceAddress)
		assert.True(t, received.IsSuspicious)
	})

	t.Run("missing fields are a malformed verdict", func(t *testing.T) {
		tests := []struct {
			name string
			body string
		}{
			{"missing reason", `{"shouldRequestMFA": true}`},
			{"missing decision", `{"reason": "no decision"}`},
			{"empty object", `{}`},
			{"not json", `risk service restarting`},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					_, _ = w.Write([]byte(tt.body))
				}))
				defer srv.Close()

				client := NewHTTPClient(srv.URL, time.Second)
				_, err := client.Evaluate(context.Background(), domain.LoginContext{})

				assert.ErrorIs(t, err, ErrMalformedVerdict)
			})
		}
	})

	t.Run("non-200 status is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		client := NewHTTPClient(srv.URL, time.Second)
		_, err := client.Evaluate(context.Background(), domain.LoginContext{})

		assert.Error(t, err)
	})

	t.Run("call respects the context deadline", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			<-release
			_, _ = w.Write([]byte(`{"shouldRequestMFA": false, "reason": "ok"}`))
		}))
		defer srv.Close()
		defer close(release)

		client := NewHTTPClient(srv.URL, time.Minute)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := client.Evaluate(ctx, domain.LoginContext{})
		assert.Error(t, err)
	})
}
