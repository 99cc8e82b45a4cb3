package dlcontext

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultLogger = logrus.WithField("foo", "bar")

func TestNew(t *testing.T) {
	ctx := New(context.Background(), defaultLogger)
	require.Equal(t, defaultLogger, ctx.Log)
	require.Equal(t, context.Background(), ctx.Context)
}

func TestBackground(t *testing.T) {
	ctx := Background()
	require.Equal(t, ctx.Context, context.Background())
}

func TestFromContext(t *testing.T) {
	ctx := New(context.Background(), defaultLogger)
	assert.Same(t, ctx, FromContext(ctx))

	wrapped := FromContext(context.TODO())
	assert.Equal(t, context.TODO(), wrapped.Context)
	assert.NotNil(t, wrapped.Log)
}

func TestWithLogFields(t *testing.T) {
	ctx := WithLogFields(Background(), logrus.Fields{"fish": "chips", "salt": "pepper"})
	require.Equal(t, context.Background(), ctx.Context)
	require.Equal(t, logrus.Fields{"fish": "chips", "salt": "pepper"}, ctx.Log.Data)

	ctx = WithLogField(ctx, "vinegar", "malt")
	require.Equal(t, "malt", ctx.Log.Data["vinegar"])
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(Background(), 20*time.Millisecond)
	defer cancel()
	select {
	case <-ctx.Done():
		assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("context did not time out")
	}
}

func TestWithCancel(t *testing.T) {
	ctx, cancel := WithCancel(New(context.Background(), defaultLogger))
	assert.Equal(t, defaultLogger, ctx.Log)
	cancel()
	<-ctx.Done()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestErrGroup(t *testing.T) {
	g, ctx := ErrGroup(New(context.Background(), defaultLogger))
	assert.Equal(t, defaultLogger, ctx.Log)
	g.Go(func() error {
		return errors.New("boom")
	})
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	assert.EqualError(t, g.Wait(), "boom")
}
