package reference

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewFormat(t *testing.T) {
	ref := New(PrefixWallet)
	assert.True(t, strings.HasPrefix(ref, "WLT-"))
	assert.Len(t, ref, len(PrefixWallet)+1+suffixLength)

	suffix := strings.TrimPrefix(ref, "WLT-")
	for _, r := range suffix {
		assert.Contains(t, charset, string(r))
	}
}

func TestNewTransactionPrefix(t *testing.T) {
	assert.True(t, strings.HasPrefix(New(PrefixTransaction), "TXN-"))
}

func TestNewUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 5000)
	for i := 0; i < 5000; i++ {
		ref := New(PrefixWallet)
		_, dup := seen[ref]
		assert.False(t, dup, "duplicate reference %s", ref)
		seen[ref] = struct{}{}
	}
}
