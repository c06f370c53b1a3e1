package editor

import (
	"sync"
	"testing"
	"time"

	"github.com/harun/vaultd/pkg/vaultfs"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeFS records every read and write and can block or fail writes.
type fakeFS struct {
	*vaultfs.FS

	mu         sync.Mutex
	ops        []string
	writes     map[string]int
	failWrites error
	gate       chan struct{}
	entered    chan string
}

func newFakeFS() *fakeFS {
	return &fakeFS{FS: vaultfs.NewMemory(), writes: make(map[string]int)}
}

func (f *fakeFS) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *fakeFS) ReadFile(path string) (string, error) {
	f.record("read:" + path)
	return f.FS.ReadFile(path)
}

func (f *fakeFS) WriteFile(path, content string) error {
	f.mu.Lock()
	gate, entered, fail := f.gate, f.entered, f.failWrites
	f.mu.Unlock()

	if entered != nil {
		entered <- path
	}
	if gate != nil {
		<-gate
	}
	f.record("write:" + path)
	if fail != nil {
		return fail
	}

	f.mu.Lock()
	f.writes[path]++
	f.mu.Unlock()
	return f.FS.WriteFile(path, content)
}

func (f *fakeFS) setFail(err error) {
	f.mu.Lock()
	f.failWrites = err
	f.mu.Unlock()
}

// blockWrites makes the next writes wait until the returned channel is closed.
func (f *fakeFS) blockWrites() (entered chan string, release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entered = make(chan string, 8)
	f.gate = make(chan struct{})
	return f.entered, f.gate
}

func (f *fakeFS) unblock() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entered = nil
	f.gate = nil
}

func (f *fakeFS) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeFS) writeCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[path]
}

func (f *fakeFS) disk(t *testing.T, path string) string {
	t.Helper()
	content, err := f.FS.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}

type fakeIndex struct {
	mu     sync.Mutex
	paths  []string
	fs     *fakeFS
	during func(path string)
}

func (i *fakeIndex) IndexFile(path string) {
	i.mu.Lock()
	i.paths = append(i.paths, path)
	during := i.during
	i.mu.Unlock()
	if i.fs != nil {
		i.fs.record("index:" + path)
	}
	if during != nil {
		during(path)
	}
}

// onceDuring runs fn inside the first IndexFile call that follows.
func (i *fakeIndex) onceDuring(fn func(path string)) {
	var once sync.Once
	i.mu.Lock()
	i.during = func(path string) { once.Do(func() { fn(path) }) }
	i.mu.Unlock()
}

func (i *fakeIndex) triggered() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.paths...)
}

type loaded struct {
	path, content string
}

type harness struct {
	fs      *fakeFS
	index   *fakeIndex
	ctrl    *Controller
	mu      sync.Mutex
	loads   []loaded
	errs    []error
	unsaved []string
}

func newHarness(t *testing.T, debounce time.Duration) *harness {
	t.Helper()
	h := &harness{fs: newFakeFS()}
	h.index = &fakeIndex{fs: h.fs}
	h.ctrl = New(Config{
		WindowID: "w1",
		FS:       h.fs,
		Index:    h.index,
		Debounce: debounce,
		Logger:   zerolog.Nop(),
		OnContentLoaded: func(path, content string) {
			h.mu.Lock()
			h.loads = append(h.loads, loaded{path, content})
			h.mu.Unlock()
		},
		OnError: func(err error) {
			h.mu.Lock()
			h.errs = append(h.errs, err)
			h.mu.Unlock()
		},
		OnUnsaved: func(path, content string, err error) {
			h.mu.Lock()
			h.unsaved = append(h.unsaved, path+"="+content)
			h.mu.Unlock()
		},
	})
	t.Cleanup(func() { h.ctrl.debounce.cancel() })
	return h
}

func (h *harness) lastLoad() loaded {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.loads) == 0 {
		return loaded{}
	}
	return h.loads[len(h.loads)-1]
}

func (h *harness) errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}
