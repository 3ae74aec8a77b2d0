package license

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// codeAlphabet is the character set for license codes, A-Z and 0-9.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CodePattern matches the XXXX-XXXX-XXXX license code format.
var CodePattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// GenerateCode produces a random license code like XXXX-XXXX-XXXX.
func GenerateCode() (string, error) {
	blocks := make([]string, 3)
	for i := range blocks {
		block, err := randomBlock(4)
		if err != nil {
			return "", err
		}
		blocks[i] = block
	}
	return strings.Join(blocks, "-"), nil
}

func randomBlock(length int) (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b), nil
}
