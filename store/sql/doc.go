// Package sqlstore persists credentials and rate-limit state with bun and
// go-repository-bun on SQLite or Postgres. Credential values are sealed by
// a core.SecretProvider before they reach the database.
package sqlstore
