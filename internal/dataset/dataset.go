// Package dataset loads the dialogue corpus: a JSON array of
// {"input": ..., "label": ...} objects.
package dataset

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrDataLoad is returned when the corpus is missing, unreadable or malformed.
var ErrDataLoad = errors.New("dataset load failed")

// Example is one input/label dialogue pair.
type Example struct {
	Input string `json:"input"`
	Label string `json:"label"`
}

// Text implements vocab.Pair.
func (e Example) Text() (string, string) { return e.Input, e.Label }

// Corpus is a loaded dataset together with its fingerprint.
type Corpus struct {
	Path     string
	Examples []Example
	Hash     string
}

// Load reads and validates the dataset file.
func Load(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrDataLoad, path, err)
	}
	examples, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDataLoad, path, err)
	}
	return &Corpus{
		Path:     path,
		Examples: examples,
		Hash:     Fingerprint(data),
	}, nil
}

// Parse decodes a corpus. Every element must be an object whose "input" and
// "label" fields are both strings.
func Parse(data []byte) ([]Example, error) {
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing corpus: %w", err)
	}
	examples := make([]Example, 0, len(raw))
	for i, item := range raw {
		in, err := stringField(item, "input")
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		label, err := stringField(item, "label")
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		examples = append(examples, Example{Input: in, Label: label})
	}
	return examples, nil
}

func stringField(item map[string]json.RawMessage, key string) (string, error) {
	msg, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing %q", key)
	}
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 || msg[0] != '"' {
		return "", fmt.Errorf("field %q is not a string", key)
	}
	var s string
	if err := json.Unmarshal(msg, &s); err != nil {
		return "", fmt.Errorf("field %q: %w", key, err)
	}
	return s, nil
}

// Fingerprint returns a short SHA-256 prefix identifying the corpus bytes.
func Fingerprint(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))[:16]
}
