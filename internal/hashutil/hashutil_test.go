package hashutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashStringsSeparatesParts(t *testing.T) {
	assert.Equal(t, HashStrings("a", "b"), HashStrings("a", "b"))
	assert.NotEqual(t, HashStrings("ab"), HashStrings("a", "b"))
	assert.NotEqual(t, HashStrings("a", "b"), HashStrings("b", "a"))
}

func TestDeliveryKeyStablePerPair(t *testing.T) {
	key := DeliveryKey("opp-1", "u1")
	assert.Equal(t, key, DeliveryKey("opp-1", "u1"))
	assert.NotEqual(t, key, DeliveryKey("opp-1", "u2"))
	assert.NotEqual(t, key, DeliveryKey("opp-2", "u1"))
	assert.Len(t, key, 64)
}
