package main

import (
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// RECOMMENDED READING:
//
// Tokenization:
// - "Neural Machine Translation of Rare Words with Subword Units" (BPE paper)
//   Sennrich, Haddow, Birch (2016)
//   https://arxiv.org/abs/1508.07909

// Tokenizer implements uncased byte-level Byte-Pair Encoding.
//
// 1. Lowercase the text and split it on whitespace
// 2. Represent every word as bytes, with a leading space byte so merges
//    learn word starts and never cross word boundaries
// 3. Iteratively merge the most frequent adjacent pair
//
// Merge selection is deterministic: highest count wins, ties go to the
// lexicographically smallest pair. Training the same corpus twice always
// yields the same vocabulary, which is what lets a seeded run reproduce
// a checkpoint exactly.
//
// After training (or loading from a state) the tokenizer is read-only and
// safe for concurrent Encode calls.
type Tokenizer struct {
	vocab  map[string]int // token -> ID
	merges []pair         // ordered list of merge rules
	ranks  map[pair]int   // merge -> priority

	mu    sync.RWMutex
	cache map[string][]int // word -> ids
}

// pair represents a bigram for BPE merging.
type pair struct {
	first  string
	second string
}

func (p pair) String() string {
	return p.first + " " + p.second
}

func (p pair) less(o pair) bool {
	if p.first != o.first {
		return p.first < o.first
	}
	return p.second < o.second
}

// Special tokens, BERT style.
const (
	PadToken = "[PAD]"
	UnkToken = "[UNK]"
	CLSToken = "[CLS]"
	SEPToken = "[SEP]"
)

// Special token IDs. They are fixed so that padding can be recognized
// without consulting the vocabulary.
const (
	PadTokenID = 0
	UnkTokenID = 1
	CLSTokenID = 2
	SEPTokenID = 3
)

var specialTokens = []string{PadToken, UnkToken, CLSToken, SEPToken}

// TokenizerState is the serializable form of a trained tokenizer.
// Merges are hex-encoded "first second" pairs, in merge order.
type TokenizerState struct {
	Merges []string `json:"merges"`
}

// NewTokenizer creates an untrained tokenizer holding the special tokens
// and the 256 byte symbols.
func NewTokenizer() *Tokenizer {
	t := &Tokenizer{
		vocab: make(map[string]int),
		ranks: make(map[pair]int),
		cache: make(map[string][]int),
	}
	for id, tok := range specialTokens {
		t.add(tok, id)
	}
	for i := 0; i < 256; i++ {
		t.add(string(rune(i)), len(t.vocab))
	}
	return t
}

func (t *Tokenizer) add(tok string, id int) {
	t.vocab[tok] = id
}

// wordSymbols splits a pre-tokenized word into byte symbols.
func wordSymbols(word string) []string {
	symbols := make([]string, 0, len(word)+1)
	symbols = append(symbols, " ")
	for _, b := range []byte(word) {
		symbols = append(symbols, string(rune(b)))
	}
	return symbols
}

// pretokenize lowercases text and splits it into words.
func pretokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// Train builds a BPE vocabulary from a corpus until the vocabulary reaches
// targetVocabSize or no pair occurs at least twice.
func (t *Tokenizer) Train(corpus []string, targetVocabSize int) error {
	base := len(specialTokens) + 256
	if targetVocabSize < base {
		return errors.Errorf("tokenizer: target vocab size must be >= %d (specials + bytes), got %d", base, targetVocabSize)
	}

	freq := make(map[string]int)
	for _, text := range corpus {
		for _, w := range pretokenize(text) {
			freq[w]++
		}
	}

	uniq := make([]string, 0, len(freq))
	for w := range freq {
		uniq = append(uniq, w)
	}
	sort.Strings(uniq)

	words := make([][]string, len(uniq))
	counts := make([]int, len(uniq))
	for i, w := range uniq {
		words[i] = wordSymbols(w)
		counts[i] = freq[w]
	}

	for len(t.vocab) < targetVocabSize {
		pairCounts := make(map[pair]int)
		for i, word := range words {
			for j := 0; j < len(word)-1; j++ {
				pairCounts[pair{word[j], word[j+1]}] += counts[i]
			}
		}

		var best pair
		bestCount := 0
		for p, c := range pairCounts {
			if c > bestCount || (c == bestCount && p.less(best)) {
				best, bestCount = p, c
			}
		}
		if bestCount < 2 {
			break
		}

		merged := best.first + best.second
		if _, exists := t.vocab[merged]; !exists {
			t.add(merged, len(t.vocab))
		}
		t.ranks[best] = len(t.merges)
		t.merges = append(t.merges, best)

		for i, word := range words {
			words[i] = applyMerge(word, best)
		}
	}

	t.mu.Lock()
	t.cache = make(map[string][]int)
	t.mu.Unlock()
	return nil
}

// applyMerge applies a merge rule to a word.
func applyMerge(word []string, merge pair) []string {
	if len(word) < 2 {
		return word
	}

	merged := make([]string, 0, len(word))
	for i := 0; i < len(word); {
		if i < len(word)-1 && word[i] == merge.first && word[i+1] == merge.second {
			merged = append(merged, merge.first+merge.second)
			i += 2
		} else {
			merged = append(merged, word[i])
			i++
		}
	}
	return merged
}

// encodeWord applies merges by rank (lowest first) until none apply.
func (t *Tokenizer) encodeWord(word string) []int {
	t.mu.RLock()
	ids, ok := t.cache[word]
	t.mu.RUnlock()
	if ok {
		return ids
	}

	symbols := wordSymbols(word)
	for len(symbols) > 1 {
		bestRank := -1
		var best pair
		for i := 0; i < len(symbols)-1; i++ {
			p := pair{symbols[i], symbols[i+1]}
			if r, ok := t.ranks[p]; ok && (bestRank < 0 || r < bestRank) {
				bestRank, best = r, p
			}
		}
		if bestRank < 0 {
			break
		}
		symbols = applyMerge(symbols, best)
	}

	ids = make([]int, len(symbols))
	for i, s := range symbols {
		if id, ok := t.vocab[s]; ok {
			ids[i] = id
		} else {
			ids[i] = UnkTokenID
		}
	}

	t.mu.Lock()
	t.cache[word] = ids
	t.mu.Unlock()
	return ids
}

// Encode converts text to token IDs without special tokens.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	for _, w := range pretokenize(text) {
		ids = append(ids, t.encodeWord(w)...)
	}
	return ids
}

// EncodeForModel returns [CLS] tokens... [SEP], truncated so the whole
// sequence fits in maxLen.
func (t *Tokenizer) EncodeForModel(text string, maxLen int) []int {
	if maxLen < 2 {
		panic("tokenizer: maxLen must leave room for [CLS] and [SEP]")
	}
	body := t.Encode(text)
	if len(body) > maxLen-2 {
		body = body[:maxLen-2]
	}
	ids := make([]int, 0, len(body)+2)
	ids = append(ids, CLSTokenID)
	ids = append(ids, body...)
	return append(ids, SEPTokenID)
}

// VocabSize returns the current vocabulary size.
func (t *Tokenizer) VocabSize() int {
	return len(t.vocab)
}

// State returns the serializable form of the tokenizer.
// Hex encoding keeps arbitrary byte sequences safe inside JSON.
func (t *Tokenizer) State() TokenizerState {
	merges := make([]string, len(t.merges))
	for i, m := range t.merges {
		merges[i] = hex.EncodeToString([]byte(m.first)) + " " + hex.EncodeToString([]byte(m.second))
	}
	return TokenizerState{Merges: merges}
}

// NewTokenizerFromState rebuilds a trained tokenizer. Vocabulary IDs are
// reassigned in merge order, exactly as Train assigned them.
func NewTokenizerFromState(state TokenizerState) (*Tokenizer, error) {
	t := NewTokenizer()
	for i, line := range state.Merges {
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			return nil, errors.Errorf("tokenizer: malformed merge %d: %q", i, line)
		}
		first, err := hex.DecodeString(parts[0])
		if err != nil {
			return nil, errors.Wrapf(err, "tokenizer: merge %d", i)
		}
		second, err := hex.DecodeString(parts[1])
		if err != nil {
			return nil, errors.Wrapf(err, "tokenizer: merge %d", i)
		}

		p := pair{string(first), string(second)}
		merged := p.first + p.second
		if _, exists := t.vocab[merged]; !exists {
			t.add(merged, len(t.vocab))
		}
		t.ranks[p] = len(t.merges)
		t.merges = append(t.merges, p)
	}
	return t, nil
}
