package reconcile

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/wso-systems/wsod/internal/vm"
)

// chooseRandom returns n distinct elements of pool chosen uniformly at
// random, via a partial Fisher-Yates shuffle. It mirrors the crypto/rand
// draw in internal/network.RandomStrategy rather than math/rand, for the
// same reason: this selection determines which live VMs get torn down, not
// a cosmetic ordering.
func chooseRandom(pool []*vm.Record, n int) ([]*vm.Record, error) {
	if n > len(pool) {
		n = len(pool)
	}

	shuffled := make([]*vm.Record, len(pool))
	copy(shuffled, pool)

	for i := 0; i < n; i++ {
		j, err := randIntn(len(shuffled) - i)
		if err != nil {
			return nil, fmt.Errorf("reconcile: unable to draw random index: %w", err)
		}
		k := i + j
		shuffled[i], shuffled[k] = shuffled[k], shuffled[i]
	}

	return shuffled[:n], nil
}

func randIntn(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
