package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/crowdaid/crowdaid/internal/domain"
	"github.com/crowdaid/crowdaid/internal/geo"
	"github.com/crowdaid/crowdaid/internal/infrastructure/redis"
	apperrors "github.com/crowdaid/crowdaid/pkg/errors"
)

const pendingSetKey = "help_requests:pending"

// maxWatchAttempts bounds optimistic retries when a watched key changes
const maxWatchAttempts = 5

func requestKey(id string) string { return fmt.Sprintf("help_request:%s", id) }
func participantKey(userID string) string { return fmt.Sprintf("user_requests:%s", userID) }
func messageKey(id string) string { return fmt.Sprintf("message:%s", id) }
func requestMessagesKey(id string) string { return fmt.Sprintf("help_request_messages:%s", id) }
func userKey(id string) string { return fmt.Sprintf("user:%s", id) }

// RedisStore implements domain.Store on Redis. Records are JSON documents;
// sets index pending requests and each user's requests, and a list keeps
// each conversation's message ids in arrival order.
type RedisStore struct {
	redis  *redis.Client
	logger *slog.Logger
}

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(redisClient *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{redis: redisClient, logger: logger}
}

func (s *RedisStore) GetRequest(ctx context.Context, id string) (*domain.HelpRequest, error) {
	data, err := s.redis.Get(ctx, requestKey(id))
	if redis.IsNil(err) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("help request %s not found", id))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get help request", err)
	}

	var req domain.HelpRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, apperrors.NewInternalError("failed to unmarshal help request", err)
	}
	return &req, nil
}

func (s *RedisStore) SaveRequest(ctx context.Context, req *domain.HelpRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return apperrors.NewInternalError("failed to marshal help request", err)
	}

	err = s.redis.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		queueRequestWrite(ctx, pipe, req, data)
		return nil
	})
	if err != nil {
		return apperrors.NewInternalError("failed to store help request", err)
	}

	s.logger.Debug("help request saved", slog.String("request_id", req.ID))
	return nil
}

func (s *RedisStore) DeleteRequest(ctx context.Context, id string) error {
	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return err
	}

	err = s.redis.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, requestKey(id))
		pipe.SRem(ctx, pendingSetKey, id)
		pipe.SRem(ctx, participantKey(req.RequesterID), id)
		if v := req.Volunteer(); v != "" {
			pipe.SRem(ctx, participantKey(v), id)
		}
		return nil
	})
	if err != nil {
		return apperrors.NewInternalError("failed to delete help request", err)
	}

	s.logger.Debug("help request deleted", slog.String("request_id", id))
	return nil
}

func (s *RedisStore) CompareAndSwapRequest(ctx context.Context, expected domain.Status, req *domain.HelpRequest) (bool, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return false, apperrors.NewInternalError("failed to marshal help request", err)
	}

	key := requestKey(req.ID)
	swapped := false
	err = s.redis.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		var current domain.HelpRequest
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return err
		}
		if current.Status != expected {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			queueRequestWrite(ctx, pipe, req, data)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, key)

	switch {
	case err == nil:
		return swapped, nil
	case redis.IsNil(err):
		return false, apperrors.NewNotFoundError(fmt.Sprintf("help request %s not found", req.ID))
	case errors.Is(err, redis.ErrTxFailed):
		return false, nil
	default:
		return false, apperrors.NewInternalError("failed to swap help request", err)
	}
}

func (s *RedisStore) FindPendingInBox(ctx context.Context, box geo.BoundingBox) ([]*domain.HelpRequest, error) {
	ids, err := s.redis.SMembers(ctx, pendingSetKey)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list pending help requests", err)
	}

	reqs, err := s.loadRequests(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := reqs[:0]
	for _, req := range reqs {
		if req.Status == domain.StatusPending && box.Contains(req.Latitude, req.Longitude) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (s *RedisStore) FindByParticipant(ctx context.Context, userID string) ([]*domain.HelpRequest, error) {
	ids, err := s.redis.SMembers(ctx, participantKey(userID))
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list user help requests", err)
	}

	reqs, err := s.loadRequests(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.After(reqs[j].CreatedAt) })
	return reqs, nil
}

// SaveMessage appends msg to its conversation. The parent request is
// watched, so a message is never stored for a request deleted concurrently.
func (s *RedisStore) SaveMessage(ctx context.Context, msg *domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.NewInternalError("failed to marshal message", err)
	}

	parent := requestKey(msg.HelpRequestID)
	err = s.watchRetry(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, parent).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return apperrors.NewNotFoundError(fmt.Sprintf("help request %s not found", msg.HelpRequestID))
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, messageKey(msg.ID), data, 0)
			pipe.RPush(ctx, requestMessagesKey(msg.HelpRequestID), msg.ID)
			return nil
		})
		return err
	}, parent)
	if err != nil {
		return storeError("failed to store message", err)
	}
	return nil
}

func (s *RedisStore) ListMessages(ctx context.Context, requestID string) ([]*domain.Message, error) {
	ids, err := s.redis.LRange(ctx, requestMessagesKey(requestID), 0, -1)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list messages", err)
	}
	if len(ids) == 0 {
		return []*domain.Message{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(id)
	}
	vals, err := s.redis.MGet(ctx, keys...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load messages", err)
	}

	out := make([]*domain.Message, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var msg domain.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, apperrors.NewInternalError("failed to unmarshal message", err)
		}
		out = append(out, &msg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisStore) CountUnread(ctx context.Context, requestID, readerID string) (int, error) {
	msgs, err := s.ListMessages(ctx, requestID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if m.SenderID != readerID && !m.Read {
			n++
		}
	}
	return n, nil
}

// MarkRead flips the read flag under WATCH of the conversation and every
// message document it reads, so concurrent readers never both count the
// same message.
func (s *RedisStore) MarkRead(ctx context.Context, requestID, readerID string) (int, error) {
	listKey := requestMessagesKey(requestID)
	changed := 0

	err := s.watchRetry(ctx, func(tx *goredis.Tx) error {
		changed = 0
		ids, err := tx.LRange(ctx, listKey, 0, -1).Result()
		if err != nil || len(ids) == 0 {
			return err
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = messageKey(id)
		}
		if err := tx.Watch(ctx, keys...).Err(); err != nil {
			return err
		}
		vals, err := tx.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}

		var updates []*domain.Message
		for _, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var m domain.Message
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				return err
			}
			if m.SenderID != readerID && !m.Read {
				m.Read = true
				updates = append(updates, &m)
			}
		}
		if len(updates) == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, m := range updates {
				data, err := json.Marshal(m)
				if err != nil {
					return err
				}
				pipe.Set(ctx, messageKey(m.ID), data, 0)
			}
			return nil
		})
		if err == nil {
			changed = len(updates)
		}
		return err
	}, listKey)
	if err != nil {
		return 0, storeError("failed to mark messages read", err)
	}
	return changed, nil
}

func (s *RedisStore) DeleteMessages(ctx context.Context, requestID string) error {
	ids, err := s.redis.LRange(ctx, requestMessagesKey(requestID), 0, -1)
	if err != nil {
		return apperrors.NewInternalError("failed to list messages", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, messageKey(id))
	}
	keys = append(keys, requestMessagesKey(requestID))

	if err := s.redis.Delete(ctx, keys...); err != nil {
		return apperrors.NewInternalError("failed to delete messages", err)
	}
	return nil
}

func (s *RedisStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	data, err := s.redis.Get(ctx, userKey(id))
	if redis.IsNil(err) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("user %s not found", id))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get user", err)
	}

	var user domain.User
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return nil, apperrors.NewInternalError("failed to unmarshal user", err)
	}
	return &user, nil
}

func (s *RedisStore) SaveUser(ctx context.Context, user *domain.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return apperrors.NewInternalError("failed to marshal user", err)
	}
	if err := s.redis.Set(ctx, userKey(user.ID), data, 0); err != nil {
		return apperrors.NewInternalError("failed to store user", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx)
}

func (s *RedisStore) loadRequests(ctx context.Context, ids []string) ([]*domain.HelpRequest, error) {
	if len(ids) == 0 {
		return []*domain.HelpRequest{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = requestKey(id)
	}
	vals, err := s.redis.MGet(ctx, keys...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load help requests", err)
	}

	out := make([]*domain.HelpRequest, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// index entry outlived its record
			continue
		}
		var req domain.HelpRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return nil, apperrors.NewInternalError("failed to unmarshal help request", err)
		}
		out = append(out, &req)
	}
	return out, nil
}

// queueRequestWrite stores the document and keeps both indexes in step with
// its status and participants.
func queueRequestWrite(ctx context.Context, pipe goredis.Pipeliner, req *domain.HelpRequest, data []byte) {
	pipe.Set(ctx, requestKey(req.ID), data, 0)
	if req.Status == domain.StatusPending {
		pipe.SAdd(ctx, pendingSetKey, req.ID)
	} else {
		pipe.SRem(ctx, pendingSetKey, req.ID)
	}
	pipe.SAdd(ctx, participantKey(req.RequesterID), req.ID)
	if v := req.Volunteer(); v != "" {
		pipe.SAdd(ctx, participantKey(v), req.ID)
	}
}

// watchRetry runs fn under WATCH of keys, retrying when another client
// changed a watched key before EXEC.
func (s *RedisStore) watchRetry(ctx context.Context, fn func(tx *goredis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err = s.redis.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.ErrTxFailed) {
			return err
		}
		s.logger.Debug("watched key changed, retrying", slog.Int("attempt", attempt+1))
	}
	return err
}

// storeError keeps typed errors and wraps the rest as internal
func storeError(msg string, err error) error {
	var typed *apperrors.AppError
	if errors.As(err, &typed) {
		return err
	}
	return apperrors.NewInternalError(msg, err)
}
