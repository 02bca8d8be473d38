package session

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
)

// CodeGenerator produces candidate session codes; collisions and errors are
// retried by the registry
type CodeGenerator func() (string, error)

// RandomCode returns a 6 character code drawn from A-Z0-9
func RandomCode() (string, error) {
	return randomCode(rand.Reader)
}

func randomCode(src io.Reader) (string, error) {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(src, max)
		if err != nil {
			return "", fmt.Errorf("read random code: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
