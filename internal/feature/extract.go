package feature

import "math"

// denseDim is the number of trailing dense scalar columns: token count and
// mean token length.
const denseDim = 2

// denseScale keeps the dense scalars in the same magnitude range as the
// clipped count sections before the final normalization.
const denseScale = 0.1

// Extract computes the feature vector of a normalized text against a frozen
// vocabulary. The same text and vocabulary always produce a bit-identical
// vector: column layout is fixed, accumulation follows token order, and no
// randomness is involved.
//
// Unknown words and character n-grams count into the reserved bucket at
// column 0 of their section, so extraction never fails on OOV input. Count
// columns are clipped at the vocabulary's cap, and the final vector is L2
// normalized for training stability (a zero vector stays zero).
func Extract(text string, v *Vocabulary) []float64 {
	vec := make([]float64, v.Dim())
	tokens := Tokenize(text)

	charBase := v.wordDim()
	patBase := charBase + v.charDim()
	denseBase := patBase + len(v.Patterns)

	var totalLen int
	for _, tok := range tokens {
		totalLen += len(tok)
		vec[v.Words[tok]]++
		for _, g := range charGrams(tok, v.CharMin, v.CharMax) {
			vec[charBase+v.Chars[g]]++
		}
	}
	for i := 0; i < patBase; i++ {
		if vec[i] > v.CountCap {
			vec[i] = v.CountCap
		}
	}

	for i, p := range v.Patterns {
		hits := float64(len(p.re.FindAllStringIndex(text, -1)))
		if hits > v.CountCap {
			hits = v.CountCap
		}
		vec[patBase+i] = hits
	}

	vec[denseBase] = float64(len(tokens)) * denseScale
	if len(tokens) > 0 {
		vec[denseBase+1] = float64(totalLen) / float64(len(tokens)) * denseScale
	}

	normalize(vec)
	return vec
}

// normalize scales vec to unit L2 norm in place. Zero vectors are left
// untouched.
func normalize(vec []float64) {
	var sum float64
	for _, x := range vec {
		sum += x * x
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] *= inv
	}
}
