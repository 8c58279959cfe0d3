package cmd

import (
	"fmt"
	"io"
	"time"

	"mcpauth/pkg/oauth"

	"github.com/jedib0t/go-pretty/v6/text"
)

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "expired"
	}
	if d < time.Minute {
		return "< 1 minute"
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	days := int(d.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

// formatExpiry formats an expiry as "in X" or "expired X ago" relative to now.
func formatExpiry(expiresAt, now time.Time) string {
	if expiresAt.IsZero() {
		return text.FgHiBlack.Sprint("no expiry")
	}
	remaining := expiresAt.Sub(now)
	if remaining > 0 {
		return "in " + formatDuration(remaining)
	}
	return text.FgYellow.Sprintf("expired %s ago", formatDuration(-remaining))
}

// formatIdentity returns the email or subject from the record's id_token.
func formatIdentity(record *oauth.TokenRecord) string {
	if record.IDToken == "" {
		return "-"
	}
	claims, err := oauth.ParseIDTokenClaims(record.IDToken)
	if err != nil {
		return "-"
	}
	if claims.Email != "" {
		return claims.Email
	}
	if claims.Subject != "" {
		return claims.Subject
	}
	return "-"
}

// printf writes to w unless --quiet is set.
func printf(w io.Writer, format string, args ...interface{}) {
	if quiet {
		return
	}
	fmt.Fprintf(w, format, args...)
}
