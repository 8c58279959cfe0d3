// Package auth provides the machine-readable authentication status that
// "mcpauth status --output json" prints, one entry per stored token.
package auth
