package main

// Near-duplicate info_hash detection.
//
// Two hashes are compared on a fixed window of their hex form: the first
// 10 and the last 5 characters. The score is matching positions / 15.
// Hashes that differ only outside that window are therefore identical to
// the resolver, and hashes differing inside it never merge at the default
// threshold.

const (
	similarityHead         = 10
	similarityTail         = 5
	similarityWindow       = similarityHead + similarityTail
	hexLen                 = len(HashID{}) * 2
	defaultSimilarityRatio = 0.95
)

// hexNibble returns the value of hex character i of h without encoding it.
func hexNibble(h HashID, i int) byte {
	b := h[i/2]
	if i%2 == 0 {
		return b >> 4
	}
	return b & 0x0f
}

// similarity scores two hashes over the comparison window, in [0, 1].
func similarity(a, b HashID) float64 {
	matches := 0
	for i := 0; i < similarityHead; i++ {
		if hexNibble(a, i) == hexNibble(b, i) {
			matches++
		}
	}
	for i := hexLen - similarityTail; i < hexLen; i++ {
		if hexNibble(a, i) == hexNibble(b, i) {
			matches++
		}
	}
	return float64(matches) / similarityWindow
}

type resolver struct {
	threshold float64
}

// resolve returns the canonical identity for candidate among existing,
// which must be ordered by creation. alias reports whether candidate was
// mapped onto a different hash. Ties keep the highest score, then the
// earliest created entry.
func (r resolver) resolve(candidate HashID, existing []HashID) (canonical HashID, alias bool) {
	for _, h := range existing {
		if h == candidate {
			return candidate, false
		}
	}

	best, bestScore := candidate, -1.0
	for _, h := range existing {
		score := similarity(candidate, h)
		if score >= r.threshold && score > bestScore {
			best, bestScore = h, score
		}
	}
	if bestScore < 0 {
		return candidate, false
	}
	return best, true
}
