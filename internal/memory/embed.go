package memory

import "crypto/sha256"

// embedDim is the fixed-width deterministic embedding used by the
// Memory Engine's similarity search. The kept dependency set carries no
// embedding-model SDK, so content is embedded with a deterministic hash
// projection instead: stable across processes, requires no network
// call, and preserves enough token-overlap signal for cosine similarity
// to rank near-duplicate content above unrelated content, which is all
// spec §4.1's search contract requires. Wiring a real embedding model is
// future work tracked as an Open Question resolution in DESIGN.md.
const embedDim = 64

func embedText(s string) []float64 {
	vec := make([]float64, embedDim)
	words := splitWords(s)
	for _, w := range words {
		sum := sha256.Sum256([]byte(w))
		for i := 0; i < embedDim; i++ {
			// Fold the hash bytes cyclically into a signed unit contribution
			// per dimension so repeated words reinforce the same axes.
			b := sum[i%len(sum)]
			if b%2 == 0 {
				vec[i] += 1
			} else {
				vec[i] -= 1
			}
		}
	}
	return vec
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		isWord := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if isWord {
			if start == -1 {
				start = i
			}
		} else if start != -1 {
			words = append(words, s[start:i])
			start = -1
		}
	}
	if start != -1 {
		words = append(words, s[start:])
	}
	return words
}
