package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notemart/internal/objectstore"
)

type failingStore struct{ objectstore.Store }

func (failingStore) Delete(context.Context, string) error { return errors.New("still down") }

// deadlineStore remembers how much time the last delete was given.
type deadlineStore struct {
	objectstore.Store
	budget time.Duration
}

func (d *deadlineStore) Delete(ctx context.Context, _ string) error {
	if deadline, ok := ctx.Deadline(); ok {
		d.budget = time.Until(deadline)
	}
	return nil
}

func TestHandleDeletesFromNamedStore(t *testing.T) {
	primary := objectstore.NewMemory("primary")
	secondary := objectstore.NewMemory("secondary")
	ctx := context.Background()
	ref, err := secondary.Put(ctx, objectstore.Object{Key: "maths_class10_algebra.pdf", Body: []byte("%PDF")})
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	w := NewWorker(Target{Store: primary, Timeout: time.Second}, Target{Store: secondary, Timeout: time.Second}, logger)

	body := []byte(`{"store":"secondary","object_id":"` + ref.ID + `","reason":"item deleted"}`)
	require.NoError(t, w.Handle(ctx, body))
	assert.False(t, secondary.Has(ref.ID))
}

func TestHandleRejectsBadEvents(t *testing.T) {
	logger, _ := test.NewNullLogger()
	w := NewWorker(Target{Store: objectstore.NewMemory("p")}, Target{Store: objectstore.NewMemory("s")}, logger)

	err := w.Handle(context.Background(), []byte(`{"store":"tertiary","object_id":"x"}`))
	assert.ErrorIs(t, err, errUnknownStore)

	err = w.Handle(context.Background(), []byte(`{`))
	assert.True(t, isDecodeError(err))
}

func TestHandleSurfacesStoreFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	w := NewWorker(Target{Store: failingStore{}, Timeout: time.Second}, Target{Store: objectstore.NewMemory("s")}, logger)

	err := w.Handle(context.Background(), []byte(`{"store":"primary","object_id":"notes/a.pdf"}`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, errUnknownStore))
	assert.False(t, isDecodeError(err))
}

func TestHandleUsesTimeoutOfNamedStore(t *testing.T) {
	logger, _ := test.NewNullLogger()
	primary := &deadlineStore{}
	secondary := &deadlineStore{}
	w := NewWorker(Target{Store: primary, Timeout: time.Second}, Target{Store: secondary, Timeout: time.Hour}, logger)

	require.NoError(t, w.Handle(context.Background(), []byte(`{"store":"secondary","object_id":"drive-file"}`)))
	assert.Greater(t, secondary.budget, 30*time.Minute)
	assert.Zero(t, primary.budget)

	require.NoError(t, w.Handle(context.Background(), []byte(`{"store":"primary","object_id":"notes/a.pdf"}`)))
	assert.LessOrEqual(t, primary.budget, time.Second)
	assert.Positive(t, primary.budget)
}
