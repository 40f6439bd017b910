package transduce

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokensEmptyIsZero(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
}

func TestEstimateTokensFloorsAtOne(t *testing.T) {
	assert.Equal(t, 1, EstimateTokens("hi"))
}

func TestEstimateTokensScalesWithLength(t *testing.T) {
	short := EstimateTokens("hello")
	long := EstimateTokens(strings.Repeat("hello", 100))
	assert.Greater(t, long, short)
}
