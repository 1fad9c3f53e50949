package transport

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListSerialPorts(t *testing.T) {
	ports, err := ListSerialPorts()
	require.NoError(t, err)
	assert.True(t, sort.StringsAreSorted(ports))
}
