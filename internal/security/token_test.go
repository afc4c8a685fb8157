package security

import (
	"net/http/httptest"
	"testing"
)

func TestHashTokenStable(t *testing.T) {
	const token = "same-token"
	if HashToken(token) != HashToken(token) {
		t.Fatalf("HashToken should be deterministic")
	}
	if HashToken(token) == HashToken("another-token") {
		t.Fatalf("different tokens should have different hashes")
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken(16)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(a))
	}
	b, err := GenerateToken(0)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if len(b) != 64 || a == b {
		t.Fatalf("expected a distinct default-size token, got %q", b)
	}
}

func TestTokenFromRequest(t *testing.T) {
	cases := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{name: "access header", header: AccessTokenHeader, value: "tok-a", want: "tok-a"},
		{name: "bearer", header: "Authorization", value: "Bearer tok-b", want: "tok-b"},
		{name: "lowercase bearer", header: "Authorization", value: "bearer tok-c", want: "tok-c"},
		{name: "basic auth ignored", header: "Authorization", value: "Basic dXNlcg==", want: ""},
		{name: "none", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			if got := TokenFromRequest(req); got != tc.want {
				t.Fatalf("TokenFromRequest() = %q, want %q", got, tc.want)
			}
		})
	}
}
