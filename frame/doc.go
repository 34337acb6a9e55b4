// Package frame encodes wire frames and dispatches them: correlated
// responses resolve pending requests, events route to one handler per type
// and pings are answered with pongs.
package frame
