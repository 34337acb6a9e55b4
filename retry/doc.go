// Package retry classifies failures and computes backoff delays for every
// fallible outbound call: credential refresh, API requests and connection
// handshakes share the same Policy.
package retry
