package config

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"voxelfit/internal/fiterr"
)

// ChainKey is a pattern key in an override table: either a single pattern,
// matched against one model name, or a tuple of patterns matched
// element-wise against a model chain of the same length. Patterns are
// regular expressions anchored at the start of the name.
type ChainKey []string

// UnmarshalYAML accepts either a scalar pattern or a sequence of patterns.
func (k *ChainKey) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*k = ChainKey{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*k = ChainKey(list)
		return nil
	default:
		return fmt.Errorf("override key must be a pattern or a list of patterns")
	}
}

// Validate checks that every pattern compiles.
func (k ChainKey) Validate() error {
	if len(k) == 0 {
		return fiterr.Configurationf("empty override key")
	}
	for _, pattern := range k {
		if _, err := regexp.Compile(pattern); err != nil {
			return fiterr.Configurationf("invalid override pattern %q: %v", pattern, err)
		}
	}
	return nil
}

// Entry pairs a chain key with its override payload. Tables preserve the
// order given by the operator; among equally specific matches the first
// entry wins.
type Entry[T any] struct {
	Key   ChainKey `yaml:"models"`
	Value T        `yaml:"options"`
}

// MatchChain resolves the single best matching entry for the given model
// chain. Match passes, most specific first:
//
//  1. exact: the key length equals the chain length and every pattern
//     matches its chain element;
//  2. last-element fallback: a single-pattern key matched against only the
//     last chain element;
//  3. positional suffix: a tuple key any of whose suffixes matches the full
//     chain element-wise.
//
// Within each pass candidate keys are tried in ascending key length, ties
// broken by table order. Returns ok=false when nothing matches.
func MatchChain[T any](entries []Entry[T], chain []string) (value T, ok bool, err error) {
	var zero T
	if len(entries) == 0 || len(chain) == 0 {
		return zero, false, nil
	}

	ordered := make([]int, len(entries))
	for i := range ordered {
		ordered[i] = i
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		return len(entries[ordered[a]].Key) < len(entries[ordered[b]].Key)
	})

	// Exact match pass.
	for _, i := range ordered {
		matched, err := keyMatches(entries[i].Key, chain)
		if err != nil {
			return zero, false, err
		}
		if matched {
			return entries[i].Value, true, nil
		}
	}

	// Last-element fallback pass for single-pattern keys.
	last := chain[len(chain)-1:]
	for _, i := range ordered {
		if len(entries[i].Key) != 1 {
			continue
		}
		matched, err := keyMatches(entries[i].Key, last)
		if err != nil {
			return zero, false, err
		}
		if matched {
			return entries[i].Value, true, nil
		}
	}

	// Positional suffix pass for tuple keys.
	for _, i := range ordered {
		key := entries[i].Key
		if len(key) <= 1 {
			continue
		}
		for start := 1; start < len(key); start++ {
			matched, err := keyMatches(key[start:], chain)
			if err != nil {
				return zero, false, err
			}
			if matched {
				return entries[i].Value, true, nil
			}
		}
	}

	return zero, false, nil
}

// keyMatches reports whether the key matches the chain element-wise. A key
// of different length never matches.
func keyMatches(key ChainKey, chain []string) (bool, error) {
	if len(key) != len(chain) {
		return false, nil
	}
	for i, pattern := range key {
		matched, err := matchAtStart(pattern, chain[i])
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

// matchAtStart matches the pattern anchored at the start of the name, so
// "Ball" matches "BallStick" but not "SuperBall".
func matchAtStart(pattern, name string) (bool, error) {
	re, err := regexp.Compile(`\A(?:` + pattern + `)`)
	if err != nil {
		return false, fiterr.Configurationf("invalid override pattern %q: %v", pattern, err)
	}
	return re.MatchString(name), nil
}
