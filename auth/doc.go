// Package auth mints credentials against the platform token endpoints and
// signs persistent connection handshakes with the current credential.
package auth
