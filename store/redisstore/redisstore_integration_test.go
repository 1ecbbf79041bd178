//go:build integration

package redisstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"openidrp/openid"
	"openidrp/session"
	"openidrp/store/redisstore"
)

type RedisStoreSuite struct {
	suite.Suite
	container *tcredis.RedisContainer
	client    *redisstore.Client
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	s.Require().NoError(err)
	s.container = container

	url, err := container.ConnectionString(ctx)
	s.Require().NoError(err)
	s.client, err = redisstore.New(ctx, url, 5*time.Second)
	s.Require().NoError(err)
	s.Require().NoError(s.client.Health(ctx))
}

func (s *RedisStoreSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.client.FlushAll(context.Background()).Err())
}

func (s *RedisStoreSuite) TestNonceAcceptedOnce() {
	ctx := context.Background()
	var store openid.NonceStore = redisstore.NewNonceStore(s.client)
	exp := time.Now().Add(time.Minute)

	ok, err := store.Accept(ctx, "https://op/", "2024-01-01T00:00:00Zabc", exp)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = store.Accept(ctx, "https://op/", "2024-01-01T00:00:00Zabc", exp)
	s.Require().NoError(err)
	s.False(ok)

	ok, err = store.Accept(ctx, "https://other/", "2024-01-01T00:00:00Zabc", exp)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *RedisStoreSuite) TestPendingTakeOnce() {
	ctx := context.Background()
	var store session.PendingStore = redisstore.NewPendingStore(s.client, time.Minute)
	now := time.Now()
	p := &session.Pending{
		ID:        "p1",
		Purpose:   session.PurposeSSOLogin,
		State:     session.StateRequestSent,
		Endpoint:  openid.Endpoint{URL: "https://op/", Version: "2.0"},
		ReturnTo:  "https://rp/finish?pending=p1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}
	s.Require().NoError(store.Put(ctx, p))

	got, err := store.Take(ctx, "p1", now)
	s.Require().NoError(err)
	s.Equal(p.ReturnTo, got.ReturnTo)
	s.Equal(p.Endpoint.URL, got.Endpoint.URL)

	_, err = store.Take(ctx, "p1", now)
	s.Equal(session.ErrSessionNotFound{Reason: session.ReasonConsumed}, err)

	_, err = store.Take(ctx, "unknown", now)
	s.Equal(session.ErrSessionNotFound{Reason: session.ReasonMissing}, err)
}

func (s *RedisStoreSuite) TestPendingExpiredByClock() {
	ctx := context.Background()
	store := redisstore.NewPendingStore(s.client, time.Minute)
	now := time.Now()
	s.Require().NoError(store.Put(ctx, &session.Pending{ID: "p2", ExpiresAt: now.Add(time.Minute)}))

	_, err := store.Take(ctx, "p2", now.Add(2*time.Minute))
	s.Equal(session.ErrSessionNotFound{Reason: session.ReasonExpired}, err)
}
