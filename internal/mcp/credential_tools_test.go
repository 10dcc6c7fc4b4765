// ABOUTME: Tests for the credential custody tools and ResourceHandler.Credential
// ABOUTME: Covers lookup, elicitation fallback, listing without values and deletion

package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deepr-mcp/internal/credentials"
	"github.com/2389/deepr-mcp/internal/store"
)

func newCredentialManager(t *testing.T) *credentials.Manager {
	t.Helper()
	st, err := store.NewCredentialStore(filepath.Join(t.TempDir(), "credentials.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	m, err := credentials.NewManager(credentials.Config{Store: st})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func withCredentials(m *credentials.Manager) envOption {
	return func(c *HandlerConfig) { c.Credentials = m }
}

func (ts *testServer) callTool(t *testing.T, sid, name string, args map[string]any) MCPCallToolResult {
	t.Helper()
	res := ts.call(t, sid, "tools/call", map[string]any{"name": name, "arguments": args})
	require.Nil(t, res.resp.Error)
	var out MCPCallToolResult
	require.NoError(t, json.Unmarshal(res.result, &out))
	require.NotEmpty(t, out.Content)
	return out
}

func TestCredentialTools(t *testing.T) {
	creds := newCredentialManager(t)
	ts := setupServer(t, nil, withCredentials(creds))
	sid := ts.initialize(t)

	res := ts.call(t, sid, "tools/list", nil)
	var list MCPListToolsResult
	require.NoError(t, json.Unmarshal(res.result, &list))
	assert.Len(t, list.Tools, 6)

	missing := ts.callTool(t, sid, "get_credential", map[string]any{"url": "https://example.com/paper"})
	assert.True(t, missing.IsError)
	assert.Contains(t, missing.Content[0].Text, "not found")

	stored, err := creds.StoreCredential(context.Background(), "example.com", "cookie", "sid=abc", nil, nil)
	require.NoError(t, err)

	got := ts.callTool(t, sid, "get_credential", map[string]any{"url": "https://example.com/paper"})
	require.False(t, got.IsError)
	var view credentialView
	require.NoError(t, json.Unmarshal([]byte(got.Content[0].Text), &view))
	assert.Equal(t, stored.ID, view.ID)
	assert.Equal(t, "sid=abc", view.Value)
	assert.Equal(t, 1, view.UseCount)

	listed := ts.callTool(t, sid, "list_credentials", nil)
	require.False(t, listed.IsError)
	assert.Contains(t, listed.Content[0].Text, stored.ID)
	assert.NotContains(t, listed.Content[0].Text, "sid=abc")
	assert.NotContains(t, listed.Content[0].Text, stored.ValueHash)

	deleted := ts.callTool(t, sid, "delete_credential", map[string]any{"id": stored.ID})
	assert.False(t, deleted.IsError)

	again := ts.callTool(t, sid, "delete_credential", map[string]any{"id": stored.ID})
	assert.True(t, again.IsError)

	invalid := ts.callTool(t, sid, "get_credential", map[string]any{})
	assert.True(t, invalid.IsError)
}

func TestCredentialTools_ElicitMissing(t *testing.T) {
	creds := newCredentialManager(t)
	router := routerAnswering(map[string]any{"value": "token-123", "expiresInHours": 2.0})
	ts := setupServer(t, nil, withCredentials(creds), withRouter(router))
	sid := ts.initialize(t)

	got := ts.callTool(t, sid, "get_credential", map[string]any{
		"url":             "https://journals.example.org/article/9",
		"credential_type": "api_key",
		"elicit":          true,
	})
	require.False(t, got.IsError, got.Content[0].Text)

	var view credentialView
	require.NoError(t, json.Unmarshal([]byte(got.Content[0].Text), &view))
	assert.Equal(t, "journals.example.org", view.Domain)
	assert.Equal(t, "api_key", view.CredentialType)
	assert.Equal(t, "token-123", view.Value)
	require.NotNil(t, view.ExpiresAt)
}

func TestCredentialTools_NotConfigured(t *testing.T) {
	ts := setupServer(t, nil)
	sid := ts.initialize(t)

	res := ts.call(t, sid, "tools/call", map[string]any{
		"name":      "get_credential",
		"arguments": map[string]any{"url": "https://example.com"},
	})
	require.NotNil(t, res.resp.Error)
	assert.Equal(t, JSONRPCInvalidParams, res.resp.Error.Code)
}

func TestResourceHandler_Credential(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		env := setupEnv(t, nil)
		_, err := env.handler.Credential(context.Background(), "https://example.com", "", "", true)
		assert.ErrorIs(t, err, ErrNoCredentials)
	})

	t.Run("no router cannot elicit", func(t *testing.T) {
		env := setupEnv(t, nil, withCredentials(newCredentialManager(t)))
		_, err := env.handler.Credential(context.Background(), "https://example.com", "", "", true)
		assert.ErrorIs(t, err, credentials.ErrNotProvided)
	})

	t.Run("lookup only", func(t *testing.T) {
		env := setupEnv(t, nil, withCredentials(newCredentialManager(t)))
		_, err := env.handler.Credential(context.Background(), "https://example.com", "", "", false)
		assert.ErrorIs(t, err, credentials.ErrNotFound)
	})

	t.Run("declined elicitation", func(t *testing.T) {
		router := routerAnswering(map[string]any{"value": "  "})
		env := setupEnv(t, nil, withCredentials(newCredentialManager(t)), withRouter(router))
		_, err := env.handler.Credential(context.Background(), "https://example.com", "", "", true)
		assert.ErrorIs(t, err, credentials.ErrNotProvided)
	})
}
