package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	mu       sync.Mutex
	messages []string
	fail     bool
}

func (s *recordingSink) send(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("window gone")
	}
	s.messages = append(s.messages, message)
	return nil
}

func (s *recordingSink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func (s *recordingSink) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func TestRelay_QueuesUntilReady(t *testing.T) {
	r := New(zerolog.Nop())
	sink := &recordingSink{}
	r.Attach("w1", sink.send)

	r.Publish("first")
	r.Publish("second")
	assert.Empty(t, sink.got())
	assert.Equal(t, 2, r.Pending("w1"))

	assert.Equal(t, 2, r.DrainOn("w1"))
	assert.Equal(t, []string{"first", "second"}, sink.got())
	assert.Equal(t, 0, r.Pending("w1"))

	r.Publish("third")
	assert.Equal(t, []string{"first", "second", "third"}, sink.got())
	assert.Equal(t, 0, r.DrainOn("w1"), "drained messages are delivered once")
}

func TestRelay_FansOutToEveryWindow(t *testing.T) {
	r := New(zerolog.Nop())
	ready, loading := &recordingSink{}, &recordingSink{}
	r.Attach("ready", ready.send)
	r.Attach("loading", loading.send)
	r.DrainOn("ready")

	r.Publish("boom")
	assert.Equal(t, []string{"boom"}, ready.got())
	assert.Empty(t, loading.got())
	assert.Equal(t, 1, r.Pending("loading"))
}

func TestRelay_DeliveryFailureQueues(t *testing.T) {
	r := New(zerolog.Nop())
	sink := &recordingSink{}
	r.Attach("w1", sink.send)
	r.DrainOn("w1")

	sink.setFail(true)
	r.Publish("lost?")
	r.Publish("not lost")
	assert.Equal(t, 2, r.Pending("w1"))

	sink.setFail(false)
	r.DrainOn("w1")
	assert.Equal(t, []string{"lost?", "not lost"}, sink.got())
}

func TestRelay_DrainInterruptedKeepsTail(t *testing.T) {
	r := New(zerolog.Nop())
	calls := 0
	var got []string
	r.Attach("w1", func(m string) error {
		calls++
		if calls == 2 {
			return errors.New("flaky")
		}
		got = append(got, m)
		return nil
	})
	r.Publish("a")
	r.Publish("b")
	r.Publish("c")

	assert.Equal(t, 1, r.DrainOn("w1"))
	assert.Equal(t, 2, r.Pending("w1"))
	assert.Equal(t, 2, r.DrainOn("w1"))
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestRelay_SetLoading(t *testing.T) {
	r := New(zerolog.Nop())
	sink := &recordingSink{}
	r.Attach("w1", sink.send)
	r.DrainOn("w1")

	r.SetLoading("w1")
	r.Publish("while reloading")
	assert.Empty(t, sink.got())

	r.DrainOn("w1")
	assert.Equal(t, []string{"while reloading"}, sink.got())
}

func TestRelay_OrphansGoToNextWindow(t *testing.T) {
	r := New(zerolog.Nop())

	r.Publish("startup failure")
	assert.Equal(t, 1, r.Orphans())

	first := &recordingSink{}
	r.Attach("w1", first.send)
	assert.Equal(t, 0, r.Orphans())
	r.Publish("queued for w1")
	r.Detach("w1")
	assert.Equal(t, 2, r.Orphans())

	second := &recordingSink{}
	r.Attach("w2", second.send)
	r.DrainOn("w2")
	assert.Equal(t, []string{"startup failure", "queued for w1"}, second.got())
	assert.Empty(t, first.got())

	r.Detach("missing")
	assert.Equal(t, 0, r.DrainOn("missing"))
}

func TestRelay_ConcurrentPublishKeepsOrderPerWindow(t *testing.T) {
	r := New(zerolog.Nop())
	sink := &recordingSink{}
	r.Attach("w1", sink.send)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			r.Publish("m")
		}
	}()
	go func() {
		defer wg.Done()
		r.DrainOn("w1")
	}()
	wg.Wait()
	r.DrainOn("w1")

	assert.Len(t, sink.got(), 50)
	assert.Equal(t, 0, r.Pending("w1"))
}
