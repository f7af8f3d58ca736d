// Package session resolves application sessions stored in redis. Sessions
// are issued by the sign-in service; this process only reads them, except
// for the development `session issue` command.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNoSession = errors.New("session not found or expired")

const defaultPrefix = "lend:"

// Reader is what request authentication needs.
type Reader interface {
	Get(ctx context.Context, id string) (*AppSession, error)
	Delete(ctx context.Context, id string) error
}

// AppSessionStore keeps one JSON value per session plus a per-user index
// set, so every session of a user can be revoked at once.
type AppSessionStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewAppSessionStore(rdb *redis.Client, ttl time.Duration) *AppSessionStore {
	return &AppSessionStore{rdb: rdb, ttl: ttl, prefix: defaultPrefix}
}

type AppSession struct {
	UserID    string    `json:"uid"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

func (s AppSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

func (st *AppSessionStore) sessionKey(id string) string { return st.prefix + "sess:" + id }
func (st *AppSessionStore) userKey(uid string) string   { return st.prefix + "user_sessions:" + uid }

// Issue stores a new session for userID and returns its id.
func (st *AppSessionStore) Issue(ctx context.Context, userID string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	raw, err := json.Marshal(AppSession{UserID: userID, IssuedAt: now, ExpiresAt: now.Add(st.ttl)})
	if err != nil {
		return "", err
	}
	_, err = st.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, st.sessionKey(id), raw, st.ttl)
		p.SAdd(ctx, st.userKey(userID), id)
		p.Expire(ctx, st.userKey(userID), st.ttl)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (st *AppSessionStore) Get(ctx context.Context, id string) (*AppSession, error) {
	raw, err := st.rdb.Get(ctx, st.sessionKey(id)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrNoSession
	case err != nil:
		return nil, err
	}
	var sess AppSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	if sess.Expired(time.Now()) {
		return nil, ErrNoSession
	}
	return &sess, nil
}

func (st *AppSessionStore) Delete(ctx context.Context, id string) error {
	sess, _ := st.Get(ctx, id) // 已过期也照删
	_, err := st.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, st.sessionKey(id))
		if sess != nil {
			p.SRem(ctx, st.userKey(sess.UserID), id)
		}
		return nil
	})
	return err
}

// RevokeAllForUser drops every session of the user, e.g. after a role change.
func (st *AppSessionStore) RevokeAllForUser(ctx context.Context, userID string) error {
	ids, err := st.rdb.SMembers(ctx, st.userKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, st.sessionKey(id))
	}
	keys = append(keys, st.userKey(userID))
	return st.rdb.Del(ctx, keys...).Err()
}
