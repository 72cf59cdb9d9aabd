// Package hasher hashes password fields before they are written.
package hasher

import (
	"bytes"

	"github.com/artpar/tablegate/ports"
	"golang.org/x/crypto/bcrypt"
)

// Bcrypt hashes with golang.org/x/crypto/bcrypt.
type Bcrypt struct {
	cost int
}

// NewBcrypt creates a bcrypt hasher. An out of range cost uses
// bcrypt.DefaultCost.
func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost}
}

func (h *Bcrypt) Hash(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
}

func (h *Bcrypt) Compare(hash []byte, plaintext string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}

// Cost reports the work factor stored in hash, or 0 if hash is not bcrypt.
func Cost(hash []byte) int {
	cost, err := bcrypt.Cost(hash)
	if err != nil {
		return 0
	}
	return cost
}

var _ ports.Hasher = (*Bcrypt)(nil)

// FakePrefix marks values produced by Fake.
const FakePrefix = "hashed:"

// Fake is a reversible hasher for tests. Stored values read "hashed:<plaintext>".
type Fake struct{}

func (Fake) Hash(plaintext string) ([]byte, error) {
	return []byte(FakePrefix + plaintext), nil
}

func (Fake) Compare(hash []byte, plaintext string) bool {
	return bytes.Equal(hash, []byte(FakePrefix+plaintext))
}

var _ ports.Hasher = Fake{}
