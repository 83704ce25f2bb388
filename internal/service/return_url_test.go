package service

import (
	"errors"
	"testing"
)

func TestReturnURLPolicyValidate(t *testing.T) {
	policy := NewReturnURLPolicy([]string{"app.example.com", "*.partner.io", " Admin.Example.com "})

	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{name: "exact host", raw: "https://app.example.com/home?x=1", ok: true},
		{name: "host case insensitive", raw: "https://APP.example.com/", ok: true},
		{name: "trimmed config host", raw: "https://admin.example.com/", ok: true},
		{name: "wildcard subdomain", raw: "https://eu.partner.io/cb", ok: true},
		{name: "wildcard needs subdomain", raw: "https://partner.io/cb", ok: false},
		{name: "relative path", raw: "/account", ok: true},
		{name: "protocol relative", raw: "//evil.com/x", ok: false},
		{name: "backslash trick", raw: "/\\evil.com", ok: false},
		{name: "not a path", raw: "account", ok: false},
		{name: "unknown host", raw: "https://evil.com/", ok: false},
		{name: "suffix lookalike", raw: "https://app.example.com.evil.com/", ok: false},
		{name: "javascript scheme", raw: "javascript:alert(1)", ok: false},
		{name: "userinfo", raw: "https://user@app.example.com/", ok: false},
		{name: "empty", raw: "  ", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := policy.Validate(tc.raw)
			if tc.ok && err != nil {
				t.Fatalf("expected %q to be allowed, got %v", tc.raw, err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatalf("expected %q to be rejected", tc.raw)
				}
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
			}
		})
	}
}

func TestWithQueryKeepsExistingParams(t *testing.T) {
	got := WithQuery("https://app.example.com/cb?state=abc", "requestId", "r 1")
	want := "https://app.example.com/cb?requestId=r+1&state=abc"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
