package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"mcpauth/pkg/oauth"

	"github.com/golang-jwt/jwt/v5"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"negative", -time.Second, "expired"},
		{"seconds", 30 * time.Second, "< 1 minute"},
		{"one minute", time.Minute, "1 minute"},
		{"minutes", 45 * time.Minute, "45 minutes"},
		{"one hour", time.Hour, "1 hour"},
		{"hours", 5 * time.Hour, "5 hours"},
		{"one day", 24 * time.Hour, "1 day"},
		{"days", 72 * time.Hour, "3 days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatDuration(tt.duration); got != tt.expected {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.duration, got, tt.expected)
			}
		})
	}
}

func TestFormatExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	if got := formatExpiry(now.Add(2*time.Hour), now); got != "in 2 hours" {
		t.Errorf("Expected 'in 2 hours', got %q", got)
	}
	if got := formatExpiry(now.Add(-10*time.Minute), now); !strings.Contains(got, "expired 10 minutes ago") {
		t.Errorf("Expected expired text, got %q", got)
	}
	if got := formatExpiry(time.Time{}, now); !strings.Contains(got, "no expiry") {
		t.Errorf("Expected 'no expiry', got %q", got)
	}
}

func TestFormatIdentity(t *testing.T) {
	sign := func(claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}
		return token
	}

	tests := []struct {
		name     string
		idToken  string
		expected string
	}{
		{"no id token", "", "-"},
		{"malformed id token", "not-a-jwt", "-"},
		{"email preferred", sign(jwt.MapClaims{"sub": "user-1", "email": "jane@example.com"}), "jane@example.com"},
		{"subject fallback", sign(jwt.MapClaims{"sub": "user-1"}), "user-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := &oauth.TokenRecord{IDToken: tt.idToken}
			if got := formatIdentity(record); got != tt.expected {
				t.Errorf("formatIdentity() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestPrintfQuiet(t *testing.T) {
	defer func() { quiet = false }()

	var buf bytes.Buffer
	printf(&buf, "hello %s\n", "world")
	if buf.String() != "hello world\n" {
		t.Errorf("Expected output, got %q", buf.String())
	}

	buf.Reset()
	quiet = true
	printf(&buf, "hello %s\n", "world")
	if buf.Len() != 0 {
		t.Errorf("Expected no output in quiet mode, got %q", buf.String())
	}
}
