package relay

import "crypto/tls"

// insecureTLSConfig is used when a request explicitly opts out of
// certificate verification (insecure_tls / verify:false in the
// overlay request's opts bag).
func insecureTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in per request via insecure_tls/verify:false
}
