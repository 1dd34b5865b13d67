package embeddings

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalDim is the dimension of locally hashed embeddings.
const LocalDim = 256

// LocalEmbed produces a deterministic embedding with no model behind
// it: tokens and adjacent-token bigrams are hashed into a fixed number
// of buckets and the result is L2-normalized. Quality is far below a
// real model but similarity of related texts still lands above
// unrelated ones, which is enough for memory retrieval to function
// offline. Same input always yields the same vector.
func LocalEmbed(text string) []float32 {
	vec := make([]float32, LocalDim)
	tokens := tokenize(text)
	for i, tok := range tokens {
		vec[bucket(tok)]++
		if i > 0 {
			// Bigrams give a little word-order sensitivity.
			vec[bucket(tokens[i-1]+" "+tok)] += 0.5
		}
	}

	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(float64(norm)))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func bucket(token string) int {
	h := fnv.New32a()
	h.Write([]byte(token))
	return int(h.Sum32() % LocalDim)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
