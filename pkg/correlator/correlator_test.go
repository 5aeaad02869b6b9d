// ABOUTME: Tests for the request correlator
// ABOUTME: Exactly-once handoff, early delivery and type mismatches
package correlator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type authResult struct {
	OK bool
}

const (
	kindAuth   Kind = "auth"
	kindSearch Kind = "search"
)

func newTestCorrelator() *Correlator {
	c := New(nil)
	Declare[authResult](c, kindAuth)
	Declare[[]string](c, kindSearch)
	return c
}

func TestDeliverUnblocksWaiter(t *testing.T) {
	c := newTestCorrelator()

	req, err := c.Issue(kindAuth)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		assert.NoError(t, c.Deliver(kindAuth, authResult{OK: true}))
	}()

	got, err := AwaitAs[authResult](context.Background(), req)
	require.NoError(t, err)
	assert.True(t, got.OK)
}

func TestDeliverBeforeAwaitIsKept(t *testing.T) {
	c := newTestCorrelator()

	require.NoError(t, c.Deliver(kindSearch, []string{"a", "b"}))

	req, err := c.Issue(kindSearch)
	require.NoError(t, err)

	got, err := AwaitAs[[]string](context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestTypeMismatch(t *testing.T) {
	c := newTestCorrelator()

	req, err := c.Issue(kindAuth)
	require.NoError(t, err)

	err = c.Deliver(kindAuth, "not an auth result")
	var mismatch *TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, kindAuth, mismatch.Kind)

	// The waiter must not be released with the wrong value
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = req.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExactlyOneWaiterPerDelivery(t *testing.T) {
	c := newTestCorrelator()

	req, err := c.Issue(kindAuth)
	require.NoError(t, err)

	_, err = c.Issue(kindAuth)
	assert.ErrorIs(t, err, ErrOutstanding)

	require.NoError(t, c.Deliver(kindAuth, authResult{OK: true}))
	_, err = req.Await(context.Background())
	require.NoError(t, err)

	_, err = req.Await(context.Background())
	assert.ErrorIs(t, err, ErrConsumed)

	// Consumed: a new request may be issued and sees no stale value
	next, err := c.Issue(kindAuth)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = next.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOverwriteKeepsLatest(t *testing.T) {
	c := newTestCorrelator()

	require.NoError(t, c.Deliver(kindAuth, authResult{OK: false}))
	require.NoError(t, c.Deliver(kindAuth, authResult{OK: true}))

	req, err := c.Issue(kindAuth)
	require.NoError(t, err)
	got, err := AwaitAs[authResult](context.Background(), req)
	require.NoError(t, err)
	assert.True(t, got.OK)
}

func TestUnknownKind(t *testing.T) {
	c := newTestCorrelator()

	_, err := c.Issue("nope")
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.ErrorIs(t, c.Deliver("nope", 1), ErrUnknownKind)
}

func TestCall(t *testing.T) {
	c := newTestCorrelator()

	var sentID string
	got, err := Call[authResult](context.Background(), c, kindAuth, func(id string) error {
		sentID = id
		return c.Deliver(kindAuth, authResult{OK: true})
	})
	require.NoError(t, err)
	assert.True(t, got.OK)
	assert.NotEmpty(t, sentID)

	sendErr := errors.New("write failed")
	_, err = Call[authResult](context.Background(), c, kindAuth, func(string) error { return sendErr })
	assert.ErrorIs(t, err, sendErr)

	// A failed send releases the kind
	_, err = c.Issue(kindAuth)
	assert.NoError(t, err)
}

func TestConcurrentProducers(t *testing.T) {
	c := newTestCorrelator()

	for i := 0; i < 50; i++ {
		req, err := c.Issue(kindSearch)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Deliver(kindSearch, []string{"x"}))
		}()

		got, err := AwaitAs[[]string](context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, []string{"x"}, got)
		wg.Wait()
	}
}

func TestCancelRacingAwait(t *testing.T) {
	c := newTestCorrelator()

	for i := 0; i < 50; i++ {
		req, err := c.Issue(kindAuth)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = req.Await(ctx)
		}()
		go func() {
			defer wg.Done()
			req.Cancel()
		}()
		wg.Wait()
		cancel()

		_, err = req.Await(context.Background())
		assert.ErrorIs(t, err, ErrConsumed)
	}
}
