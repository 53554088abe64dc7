package procwatch

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeWaitStatus(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   int
	}{
		{"clean exit zero", 0x0000, 0},
		{"clean exit code", 0x2a00, 0x2a},
		{"killed by SIGTERM", 0x000f, -15},
		{"killed by SIGKILL", 0x0009, -9},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, DecodeWaitStatus(c.status))
		})
	}
}

func TestAliveRejectsNonPositivePID(t *testing.T) {
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
}

func TestAliveSelf(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
}

func TestContainsSubstring(t *testing.T) {
	assert.True(t, containsSubstring("bend.worker --debug", "bend.worker"))
	assert.False(t, containsSubstring("other", "bend.worker"))
	assert.True(t, containsSubstring("anything", ""))
}
