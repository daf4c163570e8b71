package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdaid/crowdaid/internal/domain"
	"github.com/crowdaid/crowdaid/internal/geo"
	"github.com/crowdaid/crowdaid/internal/infrastructure/redis"
	apperrors "github.com/crowdaid/crowdaid/pkg/errors"
)

func setupRedisStore(t *testing.T) *RedisStore {
	s := miniredis.RunT(t)
	client, err := redis.NewClient("redis://"+s.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, nil)
}

func TestRedisStoreConformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) domain.Store { return setupRedisStore(t) })
}

func TestRedisStoreAcceptDropsPendingIndex(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	req := newPendingRequest("r1", "alice", 40, -74, time.Now())
	require.NoError(t, store.SaveRequest(ctx, req))

	accepted := req.Clone()
	volunteer := "bob"
	accepted.VolunteerID = &volunteer
	accepted.Status = domain.StatusAccepted
	ok, err := store.CompareAndSwapRequest(ctx, domain.StatusPending, accepted)
	require.NoError(t, err)
	require.True(t, ok)

	pending, err := store.FindPendingInBox(ctx, geo.BoundingBoxFor(40, -74, 5))
	require.NoError(t, err)
	assert.Empty(t, pending)

	mine, err := store.FindByParticipant(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "r1", mine[0].ID)
}

func TestRedisStoreCompareAndSwapMissing(t *testing.T) {
	store := setupRedisStore(t)

	_, err := store.CompareAndSwapRequest(context.Background(), domain.StatusPending, newPendingRequest("ghost", "alice", 0, 0, time.Now()))
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeNotFound))
}

func TestRedisStoreMarkReadCountsEachMessageOnce(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, store.SaveRequest(ctx, newPendingRequest("r1", "alice", 40, -74, base)))
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, store.SaveMessage(ctx, &domain.Message{
			ID: id, Content: "help", SenderID: "alice", HelpRequestID: "r1",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	const readers = 8
	counts := make(chan int, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := store.MarkRead(ctx, "r1", "bob")
			assert.NoError(t, err)
			counts <- n
		}()
	}
	wg.Wait()
	close(counts)

	total := 0
	for n := range counts {
		total += n
	}
	assert.Equal(t, 3, total)

	unread, err := store.CountUnread(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.Zero(t, unread)
}
