package window

import (
	"context"
	"sync"

	"github.com/harun/vaultd/pkg/index"
)

type fakeHandle struct {
	mu        sync.Mutex
	directory string
	opened    int
	retargets []string
	closed    bool
}

func (f *fakeHandle) IndexFile(string)  {}
func (f *fakeHandle) RemoveFile(string) {}
func (f *fakeHandle) Resync()           {}

func (f *fakeHandle) Search(context.Context, string, int) ([]index.Result, error) {
	return nil, nil
}

func (f *fakeHandle) Retarget(directory string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directory = directory
	f.retargets = append(f.retargets, directory)
	return nil
}

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeOpener struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (o *fakeOpener) open(directory string) (IndexHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := &fakeHandle{directory: directory}
	o.handles = append(o.handles, h)
	return h, nil
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles)
}
