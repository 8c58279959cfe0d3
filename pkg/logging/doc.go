// Package logging configures the process-wide slog logger for mcpauth and
// offers subsystem-tagged helpers.
//
// Library packages take a *slog.Logger through their WithLogger options.
// The CLI initializes logging once and passes Logger("Negotiator") and
// friends down:
//
//	logger := logging.Init(logging.LevelInfo, logging.FormatJSON, os.Stderr)
//	n := negotiator.New(cfg, fetcher, negotiator.WithLogger(logging.Logger("Negotiator")))
//
// The printf-style helpers are for command code:
//
//	logging.Info("Login", "Opening browser for %s", resourceURL)
//	logging.Error("Login", err, "Token exchange failed")
//
// Every entry carries a "subsystem" attribute. Security-relevant events are
// logged with a "SECURITY_AUDIT:" message prefix and an "event" attribute so
// they can be filtered out of the stream.
package logging
