package machineid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerivePrefersPerCredential(t *testing.T) {
	perCred := strings.Repeat("a", 64)
	got := Derive(perCred, strings.Repeat("b", 64), "rt-token")
	assert.Equal(t, perCred, got)
}

func TestDeriveFallsBackToGlobal(t *testing.T) {
	global := strings.Repeat("b", 64)
	got := Derive("not-hex", global, "rt-token")
	assert.Equal(t, global, got)
}

func TestDeriveHashesRefreshToken(t *testing.T) {
	got1 := Derive("", "", "rt-token")
	got2 := Derive("", "", "rt-token")
	assert.Len(t, got1, 64)
	assert.Equal(t, got1, got2)

	other := Derive("", "", "rt-other")
	assert.NotEqual(t, got1, other)
}
