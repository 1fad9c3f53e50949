package link

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/radio-control/commlink/internal/transport"
)

func TestCode(t *testing.T) {
	assert.Equal(t, "OK", Code(nil))
	assert.Equal(t, "NOT_FOUND", Code(ErrNotFound))
	assert.Equal(t, "QUEUE_FULL_OR_CLOSED", Code(fmt.Errorf("tx main: %w", ErrQueueFullOrClosed)))
	assert.Equal(t, "VALIDATION", Code(transport.SocketParams{Port: 0}.Validate()))
	assert.Equal(t, "INTERNAL", Code(errors.New("boom")))
}
