package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"pasteir/pkg/domain"
)

const DefaultIDAttempts = 16

var seedMax = big.NewInt(1 << 62)

// GenID derives a 6-hex-char id from sha256(now-nanos || random int) and
// re-checks it with exists until a free one is found or attempts run out.
func GenID(exists func(string) (bool, error), attempts int) (string, error) {
	if attempts <= 0 {
		attempts = DefaultIDAttempts
	}
	for retry := 0; retry < attempts; retry++ {
		id, err := candidateID()
		if err != nil {
			return "", err
		}
		taken, err := exists(id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", errors.Wrapf(domain.ErrGenerationExhausted, "%d attempts", attempts)
}
func candidateID() (string, error) {
	n, err := rand.Int(rand.Reader, seedMax)
	if err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	seed := strconv.FormatInt(time.Now().UnixNano(), 10) + n.String()
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:domain.IDLength], nil
}
