package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastodon-ml/relay/internal/ap"
	"github.com/mastodon-ml/relay/internal/db"
)

// recordingPoster counts deliveries and remembers their targets.
type recordingPoster struct {
	mu     sync.Mutex
	posts  []string
	fail   bool
	closed bool
}

func (r *recordingPoster) Post(_ context.Context, inbox string, _ *ap.Message, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts = append(r.posts, inbox)
	if r.fail {
		return errors.New("connection refused")
	}
	return nil
}

func (r *recordingPoster) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func TestWorkersDrainQueue(t *testing.T) {
	queue := NewQueue()
	poster := &recordingPoster{}

	msg := ap.NewAnnounce("relay.example", "https://y.example/obj/1")
	for _, inbox := range []string{"https://x.example/inbox", "https://z.example/inbox"} {
		ok := queue.Push(context.Background(), PostItem{
			Inbox:    inbox,
			Message:  msg,
			Instance: db.Instance{Domain: ap.Hostname(inbox)},
		})
		require.True(t, ok)
	}
	queue.Close()

	workers := NewWorkers(queue, 2, func() Poster { return poster })
	workers.Start(context.Background())

	assert.ElementsMatch(t,
		[]string{"https://x.example/inbox", "https://z.example/inbox"}, poster.posts)
	assert.True(t, poster.closed)
}

func TestWorkerSurvivesDeliveryFailure(t *testing.T) {
	queue := NewQueue()
	poster := &recordingPoster{fail: true}

	msg := ap.NewAnnounce("relay.example", "https://y.example/obj/1")
	for i := 0; i < 3; i++ {
		require.True(t, queue.Push(context.Background(), PostItem{
			Inbox:   "https://x.example/inbox",
			Message: msg,
		}))
	}
	queue.Close()

	workers := NewWorkers(queue, 1, func() Poster { return poster })
	workers.Start(context.Background())

	// Every item was attempted despite each one failing.
	assert.Len(t, poster.posts, 3)
}

func TestPushAfterCloseIsRefused(t *testing.T) {
	queue := NewQueue()
	queue.Close()
	queue.Close() // idempotent

	ok := queue.Push(context.Background(), PostItem{Inbox: "https://x.example/inbox"})
	assert.False(t, ok)
}

func TestCloseDuringConcurrentPushes(t *testing.T) {
	queue := NewQueue()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queue.Push(context.Background(), PostItem{Inbox: "https://x.example/inbox"})
		}()
	}
	queue.Close()
	wg.Wait() // must not panic on a closed channel
}

func TestPushAbortsOnCancel(t *testing.T) {
	queue := &Queue{ch: make(chan PostItem)} // unbuffered so Push must block

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := queue.Push(ctx, PostItem{Inbox: "https://x.example/inbox"})
	assert.False(t, ok)
}
