package gateway

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	idAlphabet     = "abcdefghijklmnopqrstuvwxyz0123456789"
	idSuffixLength = 5
)

// NewOrderID returns order_<customer>_<suffix> with a random five character
// suffix of lowercase letters and digits. The customer part is lowercased and
// every rune outside [a-z0-9] becomes '-', so the id is safe in a URL path and
// a header.
func NewOrderID(customer string) (string, error) {
	var b strings.Builder
	b.WriteString("order_")
	b.WriteString(idSegment(customer))
	b.WriteByte('_')
	limit := big.NewInt(int64(len(idAlphabet)))
	for range idSuffixLength {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(idAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func idSegment(customer string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(idAlphabet, r) {
			return r
		}
		return '-'
	}, strings.ToLower(customer))
}
