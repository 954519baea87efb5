package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnavailable(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := Unavailable("create reservation", cause)

	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "create reservation")
	assert.NoError(t, Unavailable("noop", nil))
}

func TestIsBusinessError(t *testing.T) {
	assert.True(t, IsBusinessError(ErrOverlapConflict))
	assert.True(t, IsBusinessError(fmt.Errorf("reserve: %w", ErrNotSeller)))
	assert.False(t, IsBusinessError(Unavailable("get", errors.New("boom"))))
	assert.False(t, IsBusinessError(errors.New("other")))
}
