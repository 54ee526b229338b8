package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateID(t *testing.T) {
	id := GenerateID("", 16)
	assert.Len(t, id, 32)
	assert.NotEqual(t, id, GenerateID("", 16))

	prefixed := GenerateID("tok", 4)
	assert.True(t, strings.HasPrefix(prefixed, "tok_"))
	assert.Len(t, prefixed, len("tok_")+8)
}
