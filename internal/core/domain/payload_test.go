package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPayloadMergeOverlayWins(t *testing.T) {
	base := Payload{"a": 1, "b": "base"}
	over := Payload{"b": "over", "c": true}

	merged := base.Merge(over)

	assert.Equal(t, 1, merged["a"])
	assert.Equal(t, "over", merged["b"])
	assert.Equal(t, true, merged["c"])
}

func TestPayloadMergeDoesNotMutateInputs(t *testing.T) {
	base := Payload{"a": 1}
	over := Payload{"a": 2}

	_ = base.Merge(over)

	assert.Equal(t, 1, base["a"])
	assert.Equal(t, 2, over["a"])
}

func TestPayloadMergeNilReceiver(t *testing.T) {
	var base Payload
	merged := base.Merge(Payload{"x": 1})
	assert.Equal(t, 1, merged["x"])
}

func TestPayloadCloneIsIndependent(t *testing.T) {
	base := Payload{"a": 1}
	clone := base.Clone()
	clone["a"] = 2

	assert.Equal(t, 1, base["a"])
}
