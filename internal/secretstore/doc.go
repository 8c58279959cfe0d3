// Package secretstore persists client registrations and tokens across process
// restarts.
//
// Three backends implement Store:
//
//   - MemoryStore: process memory only
//   - FileStore: one 0600 JSON file per key in a 0700 directory
//   - SQLiteStore: a modernc.org/sqlite database migrated with golang-migrate
//
// Watcher uses fsnotify to reload a FileStore when another process changes
// the directory.
package secretstore
