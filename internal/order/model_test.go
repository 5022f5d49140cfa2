package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuyerGrantIsASet(t *testing.T) {
	b := Buyer{ID: "u1"}
	assert.False(t, b.Owns("n1"))

	assert.True(t, b.Grant("n1"))
	assert.False(t, b.Grant("n1"))
	assert.Equal(t, []string{"n1"}, b.PurchasedItems)

	stored := func() Buyer { return b }
	assert.True(t, stored().Owns("n1"))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusPaid.Terminal())
	assert.True(t, StatusFailed.Terminal())
}
