package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// The reference table from the original configuration docs: four overrides
// with increasing key length.
func referenceTable() []Entry[int] {
	return []Entry[int]{
		{Key: ChainKey{"^S0$"}, Value: 0},
		{Key: ChainKey{"^BallStick$"}, Value: 1},
		{Key: ChainKey{"^BallStick$", "^S0$"}, Value: 2},
		{Key: ChainKey{"^BallStickStick$", "^BallStick$", "^S0$"}, Value: 3},
	}
}

func TestMatchChain_ExactTupleBeatsPartial(t *testing.T) {
	got, ok, err := MatchChain(referenceTable(), []string{"BallStick", "S0"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestMatchChain_SingleModelChain(t *testing.T) {
	got, ok, err := MatchChain(referenceTable(), []string{"BallStick"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got)
}

func TestMatchChain_LastElementFallback(t *testing.T) {
	// Chain of length 3 with no exact key; the single-pattern "^S0$" key
	// applies to the last element before any suffix matching.
	got, ok, err := MatchChain(referenceTable(), []string{"Charmed", "Tensor", "S0"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, got)
}

func TestMatchChain_PositionalSuffix(t *testing.T) {
	// No exact match and the last element matches no single-pattern key,
	// but the (BallStick, S0) suffix of the length-3 key matches... except
	// the length-2 key is also a suffix candidate. Build a table where only
	// the suffix pass can resolve.
	table := []Entry[int]{
		{Key: ChainKey{"^BallStickStick$", "^BallStick$", "^Noddi$"}, Value: 3},
	}
	got, ok, err := MatchChain(table, []string{"BallStick", "Noddi"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, got)
}

func TestMatchChain_NoMatch(t *testing.T) {
	_, ok, err := MatchChain(referenceTable(), []string{"Unknown", "Noddi"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchChain_UnknownPrefixResolvesViaFallback(t *testing.T) {
	// ["Unknown", "S0"]: no exact key of length 2 matches (BallStick does
	// not match Unknown), so the single-pattern "^S0$" fallback applies.
	got, ok, err := MatchChain(referenceTable(), []string{"Unknown", "S0"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, got)
}

func TestMatchChain_AscendingKeyLengthTieBreak(t *testing.T) {
	// Two exact candidates; the shorter key wins regardless of table order.
	table := []Entry[int]{
		{Key: ChainKey{"^Ball", "^S0$"}, Value: 10},
		{Key: ChainKey{"^BallStick$"}, Value: 20},
	}
	got, ok, err := MatchChain(table, []string{"BallStick"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 20, got)
}

func TestMatchChain_TableOrderBreaksEqualLengthTies(t *testing.T) {
	table := []Entry[int]{
		{Key: ChainKey{"^Ball"}, Value: 1},
		{Key: ChainKey{"^BallStick$"}, Value: 2},
	}
	got, ok, err := MatchChain(table, []string{"BallStick"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got, "first table entry wins among equal-length matches")
}

func TestMatchChain_PrefixAnchoredSemantics(t *testing.T) {
	table := []Entry[int]{
		{Key: ChainKey{"Ball"}, Value: 1},
	}

	got, ok, err := MatchChain(table, []string{"BallStick"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got, "unanchored pattern matches at name start")

	_, ok, err = MatchChain(table, []string{"SuperBall"})
	require.NoError(t, err)
	assert.False(t, ok, "pattern must not match mid-name")
}

func TestMatchChain_InvalidPattern(t *testing.T) {
	table := []Entry[int]{
		{Key: ChainKey{"("}, Value: 1},
	}
	_, _, err := MatchChain(table, []string{"BallStick"})
	require.Error(t, err)
}

func TestMatchChain_EmptyInputs(t *testing.T) {
	_, ok, err := MatchChain[int](nil, []string{"BallStick"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = MatchChain(referenceTable(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChainKey_UnmarshalYAML(t *testing.T) {
	var e Entry[int]
	require.NoError(t, yaml.Unmarshal([]byte("models: ^S0$\noptions: 7\n"), &e))
	assert.Equal(t, ChainKey{"^S0$"}, e.Key)
	assert.Equal(t, 7, e.Value)

	var e2 Entry[int]
	require.NoError(t, yaml.Unmarshal([]byte("models: [\"^BallStick$\", \"^S0$\"]\noptions: 9\n"), &e2))
	assert.Equal(t, ChainKey{"^BallStick$", "^S0$"}, e2.Key)
}

func TestChainKey_Validate(t *testing.T) {
	assert.Error(t, ChainKey{}.Validate())
	assert.Error(t, ChainKey{"("}.Validate())
	assert.NoError(t, ChainKey{"^S0$", ".*"}.Validate())
}
