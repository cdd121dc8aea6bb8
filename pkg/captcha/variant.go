package captcha

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/proofcaptcha/proofcaptcha/pkg/crypto"
	"github.com/proofcaptcha/proofcaptcha/pkg/pow"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

// challengePayload is the challengeData JSON. Every variant carries the
// proof of work; image and math add a type-specific field on top. Answer is
// the server-side expected value: it is persisted with the challenge and
// stripped before the payload leaves the server.
type challengePayload struct {
	pow.Puzzle
	CaptionID  string `json:"captionId,omitempty"`
	Expression string `json:"expression,omitempty"`
	Answer     string `json:"answer,omitempty"`
}

// clientView strips the expected answer for the wire copy.
func (p challengePayload) clientView() challengePayload {
	p.Answer = ""
	return p
}

// captions is the image-variant pool. The widget resolves the caption id to
// its bundled asset; the user types what they see.
var captions = []struct{ id, answer string }{
	{"img-bicycle", "bicycle"},
	{"img-traffic-light", "traffic light"},
	{"img-bridge", "bridge"},
	{"img-sailboat", "sailboat"},
	{"img-mountain", "mountain"},
	{"img-umbrella", "umbrella"},
	{"img-teapot", "teapot"},
	{"img-lighthouse", "lighthouse"},
}

// buildPayload assembles the variant payload around an already generated
// puzzle.
func buildPayload(typ store.ChallengeType, puzzle pow.Puzzle) (challengePayload, error) {
	p := challengePayload{Puzzle: puzzle}
	switch typ {
	case store.ChallengeRandom:
	case store.ChallengeImage:
		i, err := randomIndex(len(captions))
		if err != nil {
			return challengePayload{}, err
		}
		p.CaptionID = captions[i].id
		p.Answer = captions[i].answer
	case store.ChallengeMath:
		expr, answer, err := randomExpression()
		if err != nil {
			return challengePayload{}, err
		}
		p.Expression = expr
		p.Answer = answer
	default:
		return challengePayload{}, fmt.Errorf("unknown challenge type %q", typ)
	}
	return p, nil
}

// randomExpression draws a small arithmetic problem. Subtraction keeps the
// larger operand first so answers stay non-negative.
func randomExpression() (string, string, error) {
	a, err := randomIndex(11)
	if err != nil {
		return "", "", err
	}
	b, err := randomIndex(11)
	if err != nil {
		return "", "", err
	}
	a, b = a+2, b+2
	op, err := randomIndex(3)
	if err != nil {
		return "", "", err
	}
	switch op {
	case 0:
		return fmt.Sprintf("%d + %d", a, b), strconv.Itoa(a + b), nil
	case 1:
		if a < b {
			a, b = b, a
		}
		return fmt.Sprintf("%d - %d", a, b), strconv.Itoa(a - b), nil
	default:
		return fmt.Sprintf("%d * %d", a, b), strconv.Itoa(a * b), nil
	}
}

// checkAnswer type-dispatches the variant check. The proof of work has
// already been verified by the caller; random has nothing extra to check.
func checkAnswer(typ store.ChallengeType, p challengePayload, answer string) bool {
	switch typ {
	case store.ChallengeImage, store.ChallengeMath:
		got := strings.ToLower(strings.TrimSpace(answer))
		return got != "" && crypto.ConstantTimeEquals([]byte(got), []byte(p.Answer))
	default:
		return true
	}
}

// challengeType normalizes the requested type; empty means random.
func challengeType(raw store.ChallengeType) (store.ChallengeType, bool) {
	switch raw {
	case "", store.ChallengeRandom:
		return store.ChallengeRandom, true
	case store.ChallengeImage, store.ChallengeMath:
		return raw, true
	default:
		return "", false
	}
}

func randomIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("draw index: %w", err)
	}
	return int(v.Int64()), nil
}
