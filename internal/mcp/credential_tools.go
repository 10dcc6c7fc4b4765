// ABOUTME: MCP tools exposing credential custody for gated content
// ABOUTME: Listed only when the resource handler has a credential manager

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/deepr-mcp/internal/credentials"
	"github.com/2389/deepr-mcp/internal/store"
)

const (
	toolGetCredential    = "get_credential"
	toolListCredentials  = "list_credentials"
	toolDeleteCredential = "delete_credential"
)

func credentialToolDefinitions() []MCPToolInfo {
	return []MCPToolInfo{
		{
			Name:        toolGetCredential,
			Description: "Resolve the credential for a gated URL. With elicit set, a missing credential is requested from the user.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"url": {"type": "string"},
					"credential_type": {"type": "string", "description": "cookie, api_key, bearer or basic"},
					"reason": {"type": "string", "description": "Shown to the user when eliciting"},
					"elicit": {"type": "boolean"}
				},
				"required": ["url"]
			}`),
		},
		{
			Name:        toolListCredentials,
			Description: "List stored credentials. Values are never returned.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        toolDeleteCredential,
			Description: "Delete a stored credential by ID.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"id": {"type": "string"}
				},
				"required": ["id"]
			}`),
		},
	}
}

type getCredentialArgs struct {
	URL            string `json:"url"`
	CredentialType string `json:"credential_type"`
	Reason         string `json:"reason"`
	Elicit         bool   `json:"elicit"`
}

type deleteCredentialArgs struct {
	ID string `json:"id"`
}

// credentialView is a credential without its hash.
type credentialView struct {
	ID             string     `json:"id"`
	Domain         string     `json:"domain"`
	CredentialType string     `json:"credential_type"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	UseCount       int        `json:"use_count"`
	Value          string     `json:"value,omitempty"`
}

func viewCredential(c *store.Credential) credentialView {
	return credentialView{
		ID:             c.ID,
		Domain:         c.Domain,
		CredentialType: c.CredentialType,
		ExpiresAt:      c.ExpiresAt,
		LastUsedAt:     c.LastUsedAt,
		UseCount:       c.UseCount,
	}
}

// callCredentialTool runs one credential tool. The bool is false for a name
// that is not a credential tool.
func (s *Server) callCredentialTool(ctx context.Context, name string, args json.RawMessage) (any, bool, error) {
	switch name {
	case toolGetCredential:
		var a getCredentialArgs
		if err := json.Unmarshal(args, &a); err != nil || a.URL == "" {
			return nil, true, errors.New("url is required")
		}
		res, err := s.handler.Credential(ctx, a.URL, a.CredentialType, a.Reason, a.Elicit)
		if err != nil {
			return nil, true, err
		}
		v := viewCredential(res.Credential)
		if res.HasValue {
			v.Value = res.Value
		}
		return v, true, nil

	case toolListCredentials:
		creds := s.handler.Credentials()
		if creds == nil {
			return nil, true, ErrNoCredentials
		}
		list, err := creds.ListCredentials(ctx)
		if err != nil {
			return nil, true, err
		}
		out := make([]credentialView, 0, len(list))
		for _, c := range list {
			out = append(out, viewCredential(c))
		}
		return map[string]any{"credentials": out}, true, nil

	case toolDeleteCredential:
		creds := s.handler.Credentials()
		if creds == nil {
			return nil, true, ErrNoCredentials
		}
		var a deleteCredentialArgs
		if err := json.Unmarshal(args, &a); err != nil || a.ID == "" {
			return nil, true, errors.New("id is required")
		}
		deleted, err := creds.DeleteCredential(ctx, a.ID)
		if err != nil {
			return nil, true, err
		}
		if !deleted {
			return nil, true, credentials.ErrNotFound
		}
		return map[string]any{"deleted": a.ID}, true, nil
	}
	return nil, false, nil
}
