package draw

import (
	"crypto/sha256"
	"fmt"
	"math/rand/v2"

	"github.com/powersol/settlement/settlement/pkg/lottery"
)

// MinRandomnessSize is the shortest entropy buffer accepted for a draw.
const MinRandomnessSize = 32

const shuffleDomain = "powersol/draw/shuffle/v1"

// Shuffle returns a permutation of tickets determined entirely by randomness.
// The buffer keys a ChaCha8 stream; indices come from its unbiased IntN, so anyone
// holding the published randomness can reproduce the order.
func Shuffle(tickets []lottery.Ticket, randomness []byte) ([]lottery.Ticket, error) {
	if len(randomness) < MinRandomnessSize {
		return nil, fmt.Errorf("randomness is %d bytes, need at least %d", len(randomness), MinRandomnessSize)
	}
	h := sha256.New()
	h.Write([]byte(shuffleDomain))
	h.Write(randomness)
	var key [32]byte
	copy(key[:], h.Sum(nil))

	rng := rand.New(rand.NewChaCha8(key))
	out := make([]lottery.Ticket, len(tickets))
	copy(out, tickets)
	for i := len(out) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
