package server

import "github.com/ealireza/socks5d/internal/netpoll"

// fakeNotifier is a no-op Notifier for tests that drive Client state
// transitions directly without a real poller — it only needs to record
// subscribe/unsubscribe calls so tests can assert registry/subscription
// invariants (spec.md §8, property 2).
type fakeNotifier struct {
	readSubs  map[int]bool
	writeSubs map[int]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{readSubs: map[int]bool{}, writeSubs: map[int]bool{}}
}

func (f *fakeNotifier) SubscribeListenerRead(fd int) error {
	f.readSubs[fd] = true
	return nil
}

func (f *fakeNotifier) SubscribeRead(fd int) error {
	f.readSubs[fd] = true
	return nil
}

func (f *fakeNotifier) SubscribeWrite(fd int) error {
	f.writeSubs[fd] = true
	return nil
}

func (f *fakeNotifier) UnsubscribeWrite(fd int) error {
	delete(f.writeSubs, fd)
	return nil
}

func (f *fakeNotifier) UnsubscribeAll(fd int) error {
	delete(f.readSubs, fd)
	delete(f.writeSubs, fd)
	return nil
}

func (f *fakeNotifier) Wait(timeoutMillis int) ([]netpoll.Event, error) {
	return nil, nil
}

func (f *fakeNotifier) Close() error { return nil }

func (f *fakeNotifier) hasAnySub(fd int) bool {
	return f.readSubs[fd] || f.writeSubs[fd]
}
