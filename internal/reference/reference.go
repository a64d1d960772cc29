package reference

import (
	"crypto/rand"
)

// Prefixes identify the origin of a ledger entry.
const (
	PrefixWallet      = "WLT" // ledger-internal movement (funding, transfer, sweep)
	PrefixTransaction = "TXN" // purchase-originated movement
)

const (
	charset      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	suffixLength = 10
)

// New mints a reference like "WLT-4F7K2Q9ZD1". The suffix is drawn from
// crypto/rand; the unique index on transactions.reference is the
// authoritative guard against the residual collision odds.
func New(prefix string) string {
	buf := make([]byte, suffixLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	for i, b := range buf {
		buf[i] = charset[int(b)%len(charset)]
	}
	return prefix + "-" + string(buf)
}
