// ABOUTME: Tests for domain normalization and credential lookup candidates
// ABOUTME: Covers ports, www prefixes, bare hosts and registrable-domain fallback

package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"example.com", "example.com"},
		{"  Example.COM ", "example.com"},
		{"www.example.com", "example.com"},
		{"example.com:8443", "example.com"},
		{"example.com.", "example.com"},
		{"news.example.co.uk", "news.example.co.uk"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeDomain(tt.in))
		})
	}
}

func TestDomainFromURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://www.example.com/x", "example.com"},
		{"http://example.com:8080/a?b=c", "example.com"},
		{"example.com/paper.pdf", "example.com"},
		{"HTTPS://Journals.Example.org", "journals.example.org"},
		{"http://127.0.0.1:9000/", "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := DomainFromURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDomainFromURL_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "https://", "http://:80/"} {
		_, err := DomainFromURL(in)
		assert.ErrorIs(t, err, ErrInvalidCredential, "input %q", in)
	}
}

func TestCandidateDomains(t *testing.T) {
	assert.Equal(t, []string{"journals.example.org", "example.org"}, candidateDomains("journals.example.org"))
	assert.Equal(t, []string{"example.org"}, candidateDomains("example.org"))
	assert.Equal(t, []string{"a.b.example.co.uk", "example.co.uk"}, candidateDomains("a.b.example.co.uk"))
	assert.Equal(t, []string{"10.0.0.1"}, candidateDomains("10.0.0.1"))
}
