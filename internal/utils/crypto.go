// internal/utils/crypto.go
package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

func GenerateRandomString(length int) (string, error) {
	const charset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, length)

	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		b[i] = charset[n.Int64()]
	}

	return string(b), nil
}

// GenerateInvoiceNumber returns e.g. INV-20261017-K3F9QZ. The random suffix
// keeps numbers unique across replicas issuing invoices in the same millisecond.
func GenerateInvoiceNumber(prefix string, now time.Time) (string, error) {
	suffix, err := GenerateRandomString(6)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s", prefix, now.UTC().Format("20060102"), suffix), nil
}
