package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	marks map[string]bool
	count int
}

func (c *counter) gate(key string) Gate {
	return Gate{
		Seen: func(context.Context) (bool, error) { return c.marks[key], nil },
		Mark: func(context.Context) error {
			c.marks[key] = true
			return nil
		},
		Apply: func(context.Context) error {
			c.count++
			return nil
		},
	}
}

func TestGate_FirstOccurrenceOnly(t *testing.T) {
	ctx := context.Background()
	c := &counter{marks: map[string]bool{}}

	first, err := c.gate("a").Run(ctx)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = c.gate("a").Run(ctx)
	require.NoError(t, err)
	assert.False(t, first)

	first, err = c.gate("b").Run(ctx)
	require.NoError(t, err)
	assert.True(t, first)

	assert.Equal(t, 2, c.count)
}

func TestGate_Errors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := Gate{Seen: func(context.Context) (bool, error) { return false, boom }}.Run(ctx)
	require.ErrorIs(t, err, boom)

	applied := false
	_, err = Gate{
		Seen:  func(context.Context) (bool, error) { return false, nil },
		Mark:  func(context.Context) error { return boom },
		Apply: func(context.Context) error { applied = true; return nil },
	}.Run(ctx)
	require.ErrorIs(t, err, boom)
	assert.False(t, applied)
}
