// Package markerstream implements the control-plane marker log: an append-only,
// hash-chained sequence of security-relevant events.
//
// Every marker commits to its predecessor through PrevHash. The first marker
// chains from GenesisHash (32 zero bytes), so tampering with any stored marker
// is detectable via Verify.
//
// The in-memory Stream is the authoritative view used for lookups, proofs and
// divergence checks. Durable copies live behind the Log interface:
//   - FileLog: CRC-framed append-only file with torn-tail truncation on open.
//   - PostgresLog: rows in the markers table, serialised by an advisory lock.
package markerstream
