package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPClientSendVerificationCode(t *testing.T) {
	var got templateRequest
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(zap.NewNop(), Config{BaseURL: srv.URL, Token: "tok", PhoneNumberID: "555", Template: "code_tpl", Language: "es"})
	require.NoError(t, err)

	require.NoError(t, c.SendVerificationCode(context.Background(), "+5491122334455", "123456"))
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "/555/messages", path)
	assert.Equal(t, "5491122334455", got.To)
	assert.Equal(t, "code_tpl", got.Template.Name)
	assert.Equal(t, "es", got.Template.Language.Code)
	require.Len(t, got.Template.Components, 1)
	assert.Equal(t, "123456", got.Template.Components[0].Parameters[0].Text)
}

func TestHTTPClientSendVerificationCodeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid template"}}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(zap.NewNop(), Config{BaseURL: srv.URL, Token: "tok", PhoneNumberID: "555"})
	require.NoError(t, err)
	assert.Error(t, c.SendVerificationCode(context.Background(), "+15550001111", "000000"))
}

func TestNewHTTPClientRequiresCredentials(t *testing.T) {
	_, err := NewHTTPClient(zap.NewNop(), Config{})
	assert.Error(t, err)
}
