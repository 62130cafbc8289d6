package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNumberSourceIsMonotonic(t *testing.T) {
	src := NewNumberSource(8080)

	assert.Equal(t, 8080, src.Peek())
	assert.Equal(t, 8080, src.Next())
	assert.Equal(t, 8081, src.Next())
	assert.Equal(t, 8082, src.Peek())
}

func TestNumberSourcesAreIndependent(t *testing.T) {
	containers := NewNumberSource(1)
	ports := NewNumberSource(8080)

	containers.Next()
	containers.Next()

	assert.Equal(t, 8080, ports.Next())
	assert.Equal(t, 3, containers.Next())
}

func TestFormatClusterName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Node: 01", "my-node-01"},
		{"simple", "simple"},
		{"-leading and trailing-", "leading-and-trailing"},
		{"a/b\\c[d]e,f", "a-b-c-d-e-f"},
		{"  spaced  ", "spaced"},
		{"UPPER", "upper"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatClusterName(tt.in))
		})
	}
}

func TestFormatClusterNameIsDeterministic(t *testing.T) {
	first := FormatClusterName("My Node: 01")
	FormatClusterName("something else entirely")
	assert.Equal(t, first, FormatClusterName("My Node: 01"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", MaxNameLength))
	assert.Equal(t, "abc", Truncate("abc-def", 4))
	assert.Len(t, Truncate(string(make([]byte, 100)), MaxNameLength), MaxNameLength)
}
