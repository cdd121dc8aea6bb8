// Package pow implements the hash-preimage proof of work behind every
// challenge: the server hides a secret number in [0, maxNumber], publishes
// sha256(salt || decimal(secret)) with the salt and the bound, and the client
// earns verification by finding the preimage.
package pow

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/proofcaptcha/proofcaptcha/pkg/crypto"
)

// Difficulty bounds accepted by the engine.
const (
	MinDifficulty = 4
	MaxDifficulty = 8
)

const saltBytes = 16

// ErrInvalidDifficulty is returned for difficulty outside [4..8].
var ErrInvalidDifficulty = errors.New("difficulty out of range")

// maxNumbers maps difficulty to the search-space bound. Expected client work
// is maxNumber/2 hashes.
var maxNumbers = map[int]int64{
	4: 50_000,
	5: 200_000,
	6: 1_000_000,
	7: 5_000_000,
	8: 20_000_000,
}

// Puzzle is the public portion of a generated proof of work. The secret
// stays server-side only long enough to compute ChallengeHash and is not
// retained.
type Puzzle struct {
	Salt          string `json:"salt"`
	ChallengeHash string `json:"challengeHash"`
	MaxNumber     int64  `json:"maxNumber"`
}

// MaxNumberFor returns the search-space bound for a difficulty level.
func MaxNumberFor(difficulty int) (int64, error) {
	n, ok := maxNumbers[difficulty]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDifficulty, difficulty)
	}
	return n, nil
}

// Generate creates a puzzle at the given difficulty. The secret is drawn
// uniformly from [0, maxNumber] inclusive, so off-by-one solvers at both
// ends of the range are valid solutions.
func Generate(difficulty int) (Puzzle, error) {
	maxNumber, err := MaxNumberFor(difficulty)
	if err != nil {
		return Puzzle{}, err
	}
	salt, err := crypto.RandomBytes(saltBytes)
	if err != nil {
		return Puzzle{}, err
	}
	secret, err := randomInt(maxNumber + 1)
	if err != nil {
		return Puzzle{}, err
	}
	saltHex := fmt.Sprintf("%x", salt)
	return Puzzle{
		Salt:          saltHex,
		ChallengeHash: hashSolution(saltHex, secret),
		MaxNumber:     maxNumber,
	}, nil
}

// Verify reports whether submitted is the hidden secret. The digest
// comparison is constant-time; an attacker learns nothing from latency about
// how close a guess was.
func (p Puzzle) Verify(submitted int64) bool {
	if submitted < 0 || submitted > p.MaxNumber {
		return false
	}
	return crypto.ConstantTimeEquals(
		[]byte(hashSolution(p.Salt, submitted)),
		[]byte(p.ChallengeHash),
	)
}

// Solve scans the search space for the secret. Server-side it exists for
// tests and the keygen doctor path; production solving happens in the widget.
func (p Puzzle) Solve() (int64, bool) {
	for n := int64(0); n <= p.MaxNumber; n++ {
		if crypto.ConstantTimeEquals([]byte(hashSolution(p.Salt, n)), []byte(p.ChallengeHash)) {
			return n, true
		}
	}
	return 0, false
}

func hashSolution(saltHex string, n int64) string {
	digest := crypto.SHA256([]byte(saltHex + strconv.FormatInt(n, 10)))
	return fmt.Sprintf("%x", digest)
}

// randomInt returns a uniform value in [0, bound).
func randomInt(bound int64) (int64, error) {
	if bound <= 0 {
		return 0, errors.New("bound must be positive")
	}
	v, err := rand.Int(rand.Reader, big.NewInt(bound))
	if err != nil {
		return 0, fmt.Errorf("draw secret: %w", err)
	}
	return v.Int64(), nil
}
