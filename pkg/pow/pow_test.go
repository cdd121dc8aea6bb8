package pow_test

import (
	"fmt"
	"strconv"
	"testing"

	"github.com/proofcaptcha/proofcaptcha/pkg/crypto"
	"github.com/proofcaptcha/proofcaptcha/pkg/pow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxNumberMapping(t *testing.T) {
	want := map[int]int64{
		4: 50_000,
		5: 200_000,
		6: 1_000_000,
		7: 5_000_000,
		8: 20_000_000,
	}
	for difficulty, maxNumber := range want {
		got, err := pow.MaxNumberFor(difficulty)
		require.NoError(t, err)
		assert.Equal(t, maxNumber, got, "difficulty %d", difficulty)
	}

	for _, bad := range []int{0, 3, 9, -1} {
		_, err := pow.MaxNumberFor(bad)
		assert.ErrorIs(t, err, pow.ErrInvalidDifficulty)
	}
}

func TestGenerateAndSolve(t *testing.T) {
	puzzle, err := pow.Generate(4)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), puzzle.MaxNumber)
	assert.Len(t, puzzle.Salt, 32)          // 16 bytes hex
	assert.Len(t, puzzle.ChallengeHash, 64) // sha256 hex

	secret, ok := puzzle.Solve()
	require.True(t, ok, "search space must contain the secret")
	assert.True(t, puzzle.Verify(secret))
	assert.False(t, puzzle.Verify(secret+1))
}

func TestVerifyRangeBounds(t *testing.T) {
	// Build puzzles with known secrets at both edges of the range.
	for _, secret := range []int64{0, 50_000} {
		saltHex := "00112233445566778899aabbccddeeff"
		digest := crypto.SHA256([]byte(saltHex + strconv.FormatInt(secret, 10)))
		puzzle := pow.Puzzle{
			Salt:          saltHex,
			ChallengeHash: fmt.Sprintf("%x", digest),
			MaxNumber:     50_000,
		}
		assert.True(t, puzzle.Verify(secret), "secret %d", secret)
	}
}

func TestVerifyRejectsOutOfRange(t *testing.T) {
	puzzle, err := pow.Generate(4)
	require.NoError(t, err)

	assert.False(t, puzzle.Verify(-1))
	assert.False(t, puzzle.Verify(puzzle.MaxNumber+1))
}

func TestGenerateUsesFreshSalt(t *testing.T) {
	a, err := pow.Generate(4)
	require.NoError(t, err)
	b, err := pow.Generate(4)
	require.NoError(t, err)
	assert.NotEqual(t, a.Salt, b.Salt)
}
