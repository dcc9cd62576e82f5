package contextkeys

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/tenantgate/pkg/storage"
)

func TestUser(t *testing.T) {
	_, ok := User(context.Background())
	assert.False(t, ok)

	_, ok = User(WithUser(context.Background(), nil))
	assert.False(t, ok)

	u := &storage.User{ID: 7}
	got, ok := User(WithUser(context.Background(), u))
	assert.True(t, ok)
	assert.Same(t, u, got)
}

func TestActorID(t *testing.T) {
	assert.Nil(t, ActorID(context.Background()))

	id := ActorID(WithUser(context.Background(), &storage.User{ID: 7}))
	if assert.NotNil(t, id) {
		assert.Equal(t, int64(7), *id)
	}
}

func TestRequestIDAndLogger(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "", GetRequestID(context.Background()))

	assert.NotNil(t, Logger(context.Background()))
	entry := logrus.NewEntry(logrus.New()).WithField("request_id", "req-1")
	assert.Same(t, entry, Logger(WithLogger(ctx, entry)))
}
