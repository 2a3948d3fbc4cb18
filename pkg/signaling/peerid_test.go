package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeerID(t *testing.T) {
	assert.Equal(t, "call_bk42_customer", PeerID("bk42", "customer", 0))
	assert.Equal(t, "call_bk42_customer_r1", PeerID("bk42", "customer", 1))
	assert.Equal(t, "call_bk42_model_r3", PeerID("bk42", "model", 3))
}

func TestPeerIDIsDeterministic(t *testing.T) {
	// Both sides must derive the same identifier independently.
	assert.Equal(t, PeerID("bk42", "model", 2), PeerID("bk42", "model", 2))
}

func TestIDVariants(t *testing.T) {
	got := IDVariants("call_bk42_model", 3)
	want := []string{
		"call_bk42_model",
		"call_bk42_model_r1",
		"call_bk42_model_r2",
		"call_bk42_model_r3",
	}
	assert.Equal(t, want, got)
}

func TestIDVariantsZeroRetries(t *testing.T) {
	assert.Equal(t, []string{"base"}, IDVariants("base", 0))
}
