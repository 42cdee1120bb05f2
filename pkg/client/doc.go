// Package client is the Go client for the ledger status API.
//
// Every value the client returns has been checked locally: markers are
// re-hashed, inclusion proofs are verified against the checkpoint root
// served alongside them, and each new root is proven to extend the last one
// this client accepted.
//
// # Reading markers
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	m, err := c.Marker(ctx, 42)
//
// Markers never change once written, so they can be cached:
//
//	c, _ := client.New(base, client.WithCacheTTL(10*time.Minute))
//
// # Proofs
//
// VerifiedInclusion fetches an inclusion proof and checks it before
// returning the marker:
//
//	m, root, err := c.VerifiedInclusion(ctx, 42)
//
// The root returned there is also checked for consistency with the previous
// root the client saw. A server that rewrites history fails with
// ErrVerification even when each individual proof is internally valid.
//
// Pin a root obtained out of band with WithTrustedRoot to start monitoring
// from a known point.
package client
