package presence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPVerifier_Verify(t *testing.T) {
	t.Run("accepts a valid token", func(t *testing.T) {
		var form map[string]string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			form = map[string]string{
				"secret":   r.PostFormValue("secret"),
				"response": r.PostFormValue("response"),
				"remoteip": r.PostFormValue("remoteip"),
			}
			_, _ = w.Write([]byte(`{"success": true}`))
		}))
		defer srv.Close()

		factory := NewHTTPVerifierFactory(srv.URL, "shhh")
		verifier := factory.New()
		defer verifier.Release()

		require.NoError(t, verifier.Verify(context.Background(), "widget-token", "203.0.113.9"))
		assert.Equal(t, "shhh", form["secret"])
		assert.Equal(t, "widget-token", form["response"])
		assert.Equal(t, "203.0.113.9", form["remoteip"])
	})

	t.Run("rejects a failed check", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"success": false, "error-codes": ["invalid-input-response"]}`))
		}))
		defer srv.Close()

		verifier := NewHTTPVerifierFactory(srv.URL, "shhh").New()
		defer verifier.Release()

		assert.ErrorIs(t, verifier.Verify(context.Background(), "bad-token", ""), ErrNotHuman)
	})

	t.Run("rejects an empty token without calling out", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			called = true
			_, _ = w.Write([]byte(`{"success": true}`))
		}))
		defer srv.Close()

		verifier := NewHTTPVerifierFactory(srv.URL, "shhh").New()
		defer verifier.Release()

		assert.ErrorIs(t, verifier.Verify(context.Background(), "", ""), ErrNotHuman)
		assert.False(t, called)
	})

	t.Run("released verifier refuses further use", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"success": true}`))
		}))
		defer srv.Close()

		verifier := NewHTTPVerifierFactory(srv.URL, "shhh").New()
		verifier.Release()

		assert.Error(t, verifier.Verify(context.Background(), "widget-token", ""))
	})
}
