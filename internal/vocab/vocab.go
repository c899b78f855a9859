// Package vocab builds the character vocabulary and encodes text into
// fixed-width index sequences.
package vocab

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Reserved symbols. They take part in the sort like any other entry, so their
// indices depend on the corpus alphabet.
const (
	PAD = "<PAD>"
	EOS = "<EOS>"
)

// ErrInvalid is returned when persisted vocabulary maps are inconsistent.
var ErrInvalid = errors.New("invalid vocabulary")

// Pair is the minimal view of a dialogue example the builder needs.
type Pair interface {
	Text() (input, label string)
}

// Vocabulary is a bijection between characters and indices.
type Vocabulary struct {
	toID   map[string]int
	toChar map[int]string
	pad    int
	eos    int
}

// Build creates the vocabulary from every character of every input and label.
func Build[P Pair](examples []P) *Vocabulary {
	seen := map[string]struct{}{PAD: {}, EOS: {}}
	for _, ex := range examples {
		in, label := ex.Text()
		for _, r := range in {
			seen[string(r)] = struct{}{}
		}
		for _, r := range label {
			seen[string(r)] = struct{}{}
		}
	}

	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	v := &Vocabulary{
		toID:   make(map[string]int, len(symbols)),
		toChar: make(map[int]string, len(symbols)),
	}
	for i, s := range symbols {
		v.toID[s] = i
		v.toChar[i] = s
	}
	v.pad = v.toID[PAD]
	v.eos = v.toID[EOS]
	return v
}

// FromMaps rebuilds a vocabulary from persisted maps, checking that both
// directions agree and that the reserved symbols exist.
func FromMaps(charToIdx map[string]int, idxToChar map[int]string) (*Vocabulary, error) {
	if len(charToIdx) == 0 || len(charToIdx) != len(idxToChar) {
		return nil, fmt.Errorf("%w: %d chars vs %d indices", ErrInvalid, len(charToIdx), len(idxToChar))
	}
	v := &Vocabulary{
		toID:   make(map[string]int, len(charToIdx)),
		toChar: make(map[int]string, len(idxToChar)),
	}
	for c, i := range charToIdx {
		if i < 0 || i >= len(charToIdx) {
			return nil, fmt.Errorf("%w: index %d out of range", ErrInvalid, i)
		}
		if back, ok := idxToChar[i]; !ok || back != c {
			return nil, fmt.Errorf("%w: %q maps to %d but %d maps to %q", ErrInvalid, c, i, i, back)
		}
		v.toID[c] = i
		v.toChar[i] = c
	}
	var ok bool
	if v.pad, ok = v.toID[PAD]; !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalid, PAD)
	}
	if v.eos, ok = v.toID[EOS]; !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalid, EOS)
	}
	return v, nil
}

// Size returns the number of symbols, reserved ones included.
func (v *Vocabulary) Size() int { return len(v.toID) }

// PadID returns the index of the padding symbol.
func (v *Vocabulary) PadID() int { return v.pad }

// EOSID returns the index of the end-of-sequence symbol.
func (v *Vocabulary) EOSID() int { return v.eos }

// ID returns the index of a single character, or PAD when it is unknown.
func (v *Vocabulary) ID(char string) int {
	if id, ok := v.toID[char]; ok {
		return id
	}
	return v.pad
}

// Char returns the symbol for an index.
func (v *Vocabulary) Char(id int) (string, bool) {
	c, ok := v.toChar[id]
	return c, ok
}

// IsControl reports whether id is PAD or EOS.
func (v *Vocabulary) IsControl(id int) bool {
	return id == v.pad || id == v.eos
}

// Indices converts text to indices and appends EOS, without padding.
func (v *Vocabulary) Indices(text string) []int {
	ids := make([]int, 0, len(text)+1)
	for _, r := range text {
		ids = append(ids, v.ID(string(r)))
	}
	return append(ids, v.eos)
}

// Encode returns exactly maxSeqLen indices. Short text is terminated with EOS
// and right-padded; long text is cut to maxSeqLen-1 characters and the last
// slot is forced to EOS.
func (v *Vocabulary) Encode(text string, maxSeqLen int) []int {
	ids := v.Indices(text)
	if len(ids) < maxSeqLen {
		for len(ids) < maxSeqLen {
			ids = append(ids, v.pad)
		}
		return ids
	}
	out := make([]int, maxSeqLen)
	copy(out, ids[:maxSeqLen-1])
	out[maxSeqLen-1] = v.eos
	return out
}

// Decode maps indices back to text, skipping PAD and EOS.
func (v *Vocabulary) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		if v.IsControl(id) {
			continue
		}
		if c, ok := v.toChar[id]; ok {
			b.WriteString(c)
		}
	}
	return b.String()
}

// CharToIdx returns a copy of the character to index map.
func (v *Vocabulary) CharToIdx() map[string]int {
	out := make(map[string]int, len(v.toID))
	for k, i := range v.toID {
		out[k] = i
	}
	return out
}

// IdxToChar returns a copy of the index to character map.
func (v *Vocabulary) IdxToChar() map[int]string {
	out := make(map[int]string, len(v.toChar))
	for i, c := range v.toChar {
		out[i] = c
	}
	return out
}
