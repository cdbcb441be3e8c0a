// Package session owns the knobs shared by both ends of a TCP/TLS session.
//
// Ownership boundary:
// - timeouts and buffer sizes for dial, handshake, writes and keep-alive
// - retry backoff used by search and reconnect
// - TLS material validation and *tls.Config construction
package session
