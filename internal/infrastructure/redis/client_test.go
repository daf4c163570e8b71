package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	c, err := NewClient("redis://"+s.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, s
}

func TestGetMissingKeyIsNil(t *testing.T) {
	c, _ := setupClient(t)

	_, err := c.Get(context.Background(), "absent")
	assert.True(t, IsNil(err))
}

func TestSetAndListOperations(t *testing.T) {
	c, s := setupClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	_, err := s.SetAdd("s", "b")
	require.NoError(t, err)
	_, err = s.Push("l", "1", "2")
	require.NoError(t, err)

	members, err := c.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)

	items, err := c.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, items)

	vals, err := c.MGet(ctx, "k", "missing")
	require.NoError(t, err)
	assert.Equal(t, "v", vals[0])
	assert.Nil(t, vals[1])
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("not-a-url://", nil)
	assert.Error(t, err)
}
