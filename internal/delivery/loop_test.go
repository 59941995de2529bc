package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/X2k16/tracking-firmware/internal/apiclient"
	"github.com/X2k16/tracking-firmware/internal/logging"
	"github.com/X2k16/tracking-firmware/internal/middleware"
	"github.com/X2k16/tracking-firmware/internal/models"
	"github.com/X2k16/tracking-firmware/internal/queue"
)

type fakeAPI struct {
	mu           sync.Mutex
	posts        []models.Touch
	requestIDs   []string
	heartbeats   []int64
	failPosts    int
	heartbeatErr error
	block        chan struct{}
	started      chan context.Context
}

func (f *fakeAPI) PostTouch(ctx context.Context, touch models.Touch) (*apiclient.Response, error) {
	if f.started != nil {
		f.started <- ctx
	}
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, touch)
	f.requestIDs = append(f.requestIDs, middleware.GetRequestID(ctx))
	if f.failPosts > 0 {
		f.failPosts--
		return nil, &apiclient.StatusError{Code: http.StatusBadGateway}
	}
	return &apiclient.Response{StatusCode: http.StatusCreated}, nil
}

func (f *fakeAPI) Heartbeat(_ context.Context, clientID int64) (*apiclient.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, clientID)
	if f.heartbeatErr != nil {
		return nil, f.heartbeatErr
	}
	return &apiclient.Response{StatusCode: http.StatusOK}, nil
}

func (f *fakeAPI) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func (f *fakeAPI) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeats)
}

func (f *fakeAPI) cardIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.posts))
	for _, p := range f.posts {
		ids = append(ids, p.CardID)
	}
	return ids
}

func event(id, idm string) *models.Event {
	return &models.Event{
		ID:         id,
		Type:       models.TypeFelica,
		IDm:        idm,
		MACAddress: "8102ABCD",
		IngestedAt: time.Date(2016, 9, 24, 10, 15, 30, 0, time.UTC),
	}
}

func runLoop(t *testing.T, loop *Loop) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- loop.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
		}
	})
	return cancel, done
}

func TestLoop_DeliversInOrder(t *testing.T) {
	q := queue.New()
	q.Push(event("e1", "A"))
	q.Push(event("e2", "B"))

	api := &fakeAPI{}
	loop := New(q, api, Config{ClientID: 3}, logging.Discard())
	runLoop(t, loop)

	require.Eventually(t, func() bool { return api.postCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B"}, api.cardIDs())

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"e1", "e2"}, api.requestIDs)
	require.NotNil(t, api.posts[0].Client)
	assert.Equal(t, int64(3), *api.posts[0].Client)
	assert.Equal(t, "8102ABCD", api.posts[0].MAC)
}

func TestLoop_FailedDeliveryRequeuedAtTail(t *testing.T) {
	q := queue.New()
	a := event("e1", "A")
	q.Push(a)
	q.Push(event("e2", "B"))

	api := &fakeAPI{failPosts: 1}
	loop := New(q, api, Config{Backoff: 5 * time.Millisecond}, logging.Discard())

	var mu sync.Mutex
	var slept []time.Duration
	loop.sleep = func(_ context.Context, d time.Duration) {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
	}
	runLoop(t, loop)

	require.Eventually(t, func() bool { return api.postCount() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "A"}, api.cardIDs())
	assert.Equal(t, 1, a.Attempts)

	mu.Lock()
	assert.Equal(t, []time.Duration{5 * time.Millisecond}, slept)
	mu.Unlock()

	stats := loop.Stats()
	assert.Equal(t, uint64(2), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, 0, stats.QueueDepth)
	assert.Contains(t, stats.LastError, "502")
}

func TestLoop_HeartbeatWhenIdle(t *testing.T) {
	q := queue.New()
	api := &fakeAPI{}
	const idle = 20 * time.Millisecond
	loop := New(q, api, Config{ClientID: 7, IdleTimeout: idle}, logging.Discard())
	start := time.Now()
	runLoop(t, loop)

	require.Eventually(t, func() bool { return api.heartbeatCount() >= 2 }, time.Second, 5*time.Millisecond)
	// count first, then the clock, so elapsed covers every heartbeat counted
	count := api.heartbeatCount()
	elapsed := time.Since(start)
	assert.LessOrEqual(t, count, int(elapsed/idle)+1, "at most one heartbeat per idle timeout")
	assert.Zero(t, api.postCount())

	api.mu.Lock()
	assert.Equal(t, int64(7), api.heartbeats[0])
	api.mu.Unlock()
	assert.GreaterOrEqual(t, loop.Stats().Heartbeats, uint64(2))
}

func TestLoop_NoHeartbeatWithoutClientID(t *testing.T) {
	q := queue.New()
	api := &fakeAPI{}
	loop := New(q, api, Config{IdleTimeout: 5 * time.Millisecond}, logging.Discard())
	runLoop(t, loop)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, api.heartbeatCount())

	q.Push(event("e1", "A"))
	require.Eventually(t, func() bool { return api.postCount() == 1 }, time.Second, 5*time.Millisecond)

	api.mu.Lock()
	assert.Nil(t, api.posts[0].Client)
	api.mu.Unlock()
}

func TestLoop_HeartbeatFailureWaitsRetryDelay(t *testing.T) {
	q := queue.New()
	api := &fakeAPI{heartbeatErr: errors.New("connection refused")}
	loop := New(q, api, Config{
		ClientID:            7,
		IdleTimeout:         5 * time.Millisecond,
		HeartbeatRetryDelay: time.Second,
	}, logging.Discard())

	slept := make(chan time.Duration, 10)
	loop.sleep = func(_ context.Context, d time.Duration) { slept <- d }
	runLoop(t, loop)

	select {
	case d := <-slept:
		assert.Equal(t, time.Second, d)
	case <-time.After(time.Second):
		t.Fatal("loop did not wait after failed heartbeat")
	}
	assert.GreaterOrEqual(t, loop.Stats().HeartbeatFailures, uint64(1))
}

func TestLoop_CancelDoesNotAbortInFlightSend(t *testing.T) {
	q := queue.New()
	q.Push(event("e1", "A"))

	api := &fakeAPI{block: make(chan struct{}), started: make(chan context.Context, 1)}
	loop := New(q, api, Config{}, logging.Discard())
	cancel, done := runLoop(t, loop)

	var sendCtx context.Context
	select {
	case sendCtx = <-api.started:
	case <-time.After(time.Second):
		t.Fatal("send did not start")
	}
	assert.Equal(t, StateSending, loop.Stats().State)

	cancel()
	assert.NoError(t, sendCtx.Err())
	close(api.block)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
	assert.Equal(t, 1, api.postCount())
	assert.Equal(t, StateStopped, loop.Stats().State)
}

func TestLoop_AgainstHTTPServer(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	q := queue.New()
	q.Push(event("e1", "A"))

	client := apiclient.New(server.URL+"/internalapi/", "secret", 2*time.Second)
	loop := New(q, client, Config{ClientID: 2, IdleTimeout: 50 * time.Millisecond, Backoff: time.Millisecond}, logging.Discard())
	runLoop(t, loop)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(paths) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "POST /internalapi/touches/", paths[0])
	assert.Equal(t, "POST /internalapi/touches/", paths[1])
	assert.Equal(t, "PUT /internalapi/clients/2", paths[2])
}
