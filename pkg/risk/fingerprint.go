package risk

import (
	"fmt"
	"strings"

	"github.com/proofcaptcha/proofcaptcha/pkg/crypto"
)

// Fingerprint is a stable hash of ordered, labeled request attributes plus a
// confidence score. Components are retained so a later request can be
// compared with a real Jaccard similarity instead of hash equality alone.
type Fingerprint struct {
	Hash       string
	Components []string
	Confidence int
}

// IsReliable reports whether enough attributes were present to trust the
// fingerprint for fuzzy matching.
func (f Fingerprint) IsReliable() bool {
	return f.Confidence >= 50
}

// fingerprintAttrs lists the attributes in hash order with their confidence
// weights. Weights sum to 100.
var fingerprintAttrs = []struct {
	label  string
	weight int
}{
	{"ua", 25},
	{"accept-language", 10},
	{"accept-encoding", 10},
	{"sec-ch-ua", 10},
	{"sec-ch-ua-platform", 5},
	{"sec-ch-ua-mobile", 5},
	{"ip", 25},
	{"tls", 10},
}

// ComputeFingerprint derives the session fingerprint from a request
// envelope.
func ComputeFingerprint(env Envelope) Fingerprint {
	values := map[string]string{
		"ua":                 env.Header("User-Agent"),
		"accept-language":    env.Header("Accept-Language"),
		"accept-encoding":    env.Header("Accept-Encoding"),
		"sec-ch-ua":          env.Header("Sec-CH-UA"),
		"sec-ch-ua-platform": env.Header("Sec-CH-UA-Platform"),
		"sec-ch-ua-mobile":   env.Header("Sec-CH-UA-Mobile"),
		"ip":                 env.IP,
		"tls":                env.TLSCipher,
	}

	var sb strings.Builder
	var components []string
	confidence := 0
	for _, attr := range fingerprintAttrs {
		v := values[attr.label]
		fmt.Fprintf(&sb, "%s=%s\n", attr.label, v)
		if v != "" {
			components = append(components, attr.label+":"+v)
			confidence += attr.weight
		}
	}

	return Fingerprint{
		Hash:       fmt.Sprintf("%x", crypto.SHA256([]byte(sb.String()))),
		Components: components,
		Confidence: confidence,
	}
}

// Jaccard computes |a∩b| / |a∪b| over two component sets.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]uint8, len(a)+len(b))
	for _, s := range a {
		set[s] |= 1
	}
	for _, s := range b {
		set[s] |= 2
	}
	var both, union int
	for _, bits := range set {
		union++
		if bits == 3 {
			both++
		}
	}
	return float64(both) / float64(union)
}

// MatchFingerprint applies the fuzzy policy from verification: exact hash
// match passes; otherwise the current fingerprint must be reliable and the
// component overlap must reach the similarity threshold.
func MatchFingerprint(stored Fingerprint, current Fingerprint, threshold float64) bool {
	if stored.Hash == current.Hash {
		return true
	}
	if !current.IsReliable() {
		return false
	}
	return Jaccard(stored.Components, current.Components) >= threshold
}
