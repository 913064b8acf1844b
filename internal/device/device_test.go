package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"", Auto},
		{"auto", Auto},
		{"CPU", CPU},
		{" webgpu ", WebGPU},
		{"gpu", WebGPU},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Parse("cuda")
	assert.EqualError(t, err, `unknown device "cuda" (want auto, cpu or webgpu)`)
}

func TestSelect(t *testing.T) {
	yes := func() bool { return true }
	no := func() bool { return false }

	got, err := selectWith(Auto, yes)
	require.NoError(t, err)
	assert.Equal(t, WebGPU, got)

	got, err = selectWith(Auto, no)
	require.NoError(t, err)
	assert.Equal(t, CPU, got)

	got, err = selectWith(CPU, yes)
	require.NoError(t, err)
	assert.Equal(t, CPU, got)

	_, err = selectWith(WebGPU, no)
	require.Error(t, err)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "cpu", CPU.String())
	assert.Equal(t, "webgpu", WebGPU.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
}
