package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"messenger-hub/domain"
	"sync"
)

// fakeTransport records frames. It fails every send when sendErr is set and
// waits for the deadline when block is set.
type fakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	sendErr   error
	block     bool
	closed    bool
	closeCode int
	reason    string
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.closed {
		return fmt.Errorf("closed")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.reason = reason
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "127.0.0.1:0" }

func (f *fakeTransport) envelopes() []domain.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := make([]domain.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		var env domain.Envelope
		if err := json.Unmarshal(frame, &env); err == nil {
			res = append(res, env)
		}
	}
	return res
}

func (f *fakeTransport) ofType(t domain.EnvelopeType) []domain.Envelope {
	var res []domain.Envelope
	for _, env := range f.envelopes() {
		if env.Type == t {
			res = append(res, env)
		}
	}
	return res
}

func (f *fakeTransport) isClosed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}
