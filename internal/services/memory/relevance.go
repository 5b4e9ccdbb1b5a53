// Package memory picks which of a persona's shared memories go into the
// system prompt for the current message.
package memory

import (
	"math"
	"sort"
	"strings"

	"github.com/afterlight/chatguard/internal/services/prompt"
)

// index is a TF-IDF vocabulary built over one persona's memories
type index struct {
	vocabulary map[string]int
	idf        []float64
}

func buildIndex(docs [][]string) *index {
	ix := &index{vocabulary: make(map[string]int)}

	// Document frequency
	df := make(map[string]int)
	for _, tokens := range docs {
		seen := make(map[string]bool)
		for _, token := range tokens {
			if _, exists := ix.vocabulary[token]; !exists {
				ix.vocabulary[token] = len(ix.vocabulary)
			}
			if !seen[token] {
				df[token]++
				seen[token] = true
			}
		}
	}

	// Smoothed so a word shared by every memory still counts
	ix.idf = make([]float64, len(ix.vocabulary))
	for token, freq := range df {
		ix.idf[ix.vocabulary[token]] = math.Log(1 + float64(len(docs))/float64(freq))
	}
	return ix
}

// vector returns the TF-IDF vector for tokens; words outside the vocabulary
// are ignored
func (ix *index) vector(tokens []string) []float64 {
	vec := make([]float64, len(ix.vocabulary))
	if len(tokens) == 0 {
		return vec
	}

	tf := make(map[string]int)
	for _, token := range tokens {
		tf[token]++
	}
	for token, freq := range tf {
		if idx, ok := ix.vocabulary[token]; ok {
			vec[idx] = float64(freq) / float64(len(tokens)) * ix.idf[idx]
		}
	}
	return vec
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Select returns at most limit memories, the ones most similar to query
// first. Memories that do not relate to the query keep their original order
// behind the ones that do, so with an unrelated query Select behaves like a
// plain truncation.
func Select(memories []prompt.Memory, query string, limit int) []prompt.Memory {
	if limit <= 0 || len(memories) == 0 {
		return nil
	}
	if len(memories) <= limit {
		return memories
	}

	docs := make([][]string, len(memories))
	for i, m := range memories {
		docs[i] = tokenize(m.Title + " " + m.Content)
	}
	ix := buildIndex(docs)
	q := ix.vector(tokenize(query))

	type scored struct {
		pos   int
		score float64
	}
	ranked := make([]scored, len(memories))
	for i := range memories {
		ranked[i] = scored{pos: i, score: cosine(q, ix.vector(docs[i]))}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	out := make([]prompt.Memory, 0, limit)
	for _, r := range ranked[:limit] {
		out = append(out, memories[r.pos])
	}
	return out
}

var punctuation = strings.NewReplacer(
	".", " ", ",", " ", ";", " ", ":", " ",
	"!", " ", "?", " ", "(", " ", ")", " ",
	"[", " ", "]", " ", "{", " ", "}", " ",
	"\"", " ", "'", " ", "-", " ", "_", " ",
)

// tokenize lower-cases, splits on punctuation and whitespace and drops short
// words and numbers
func tokenize(text string) []string {
	words := strings.Fields(punctuation.Replace(strings.ToLower(text)))

	var tokens []string
	for _, word := range words {
		if len([]rune(word)) > 2 && !isNumber(word) {
			tokens = append(tokens, word)
		}
	}
	return tokens
}

func isNumber(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
