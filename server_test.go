package fwup

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
)

var errUnplugged = errors.New("port removed")

type step struct {
	data []byte
	err  error
}

// scriptedTransport plays back steps, then fails with errUnplugged.
type scriptedTransport struct {
	replies
	steps []step
	reads int
}

func (s *scriptedTransport) ReadChunk(buf []byte) (int, error) {
	s.reads++
	if len(s.steps) == 0 {
		return 0, errUnplugged
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	if st.err != nil {
		return 0, st.err
	}
	return copy(buf, st.data), nil
}

func newTestServer(t *testing.T, f Flasher) *Server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s := NewSession(f, WithLogger(logger))
	return NewServer(s, WithServerLogger(logger), WithIdleSleep(0))
}

func TestServeCompletesUpload(t *testing.T) {
	f := &fakeFlash{}
	srv := newTestServer(t, f)
	payload := make([]byte, 700)
	for i := range payload {
		payload[i] = byte(i)
	}
	tr := &scriptedTransport{steps: []step{
		{data: append(EncodeHeader(700), payload[:100]...)},
		{},
		{data: payload[100:400]},
		{},
		{data: payload[400:]},
	}}

	err := srv.Serve(context.Background(), tr)
	if !errors.Is(err, errUnplugged) {
		t.Fatalf("Serve = %v, want port removed", err)
	}
	checkWritten(t, f, payload)
	if tr.count("OK") != 1 {
		t.Errorf("replies = %q", tr.msgs)
	}
	if srv.Session().State() != StateIdle {
		t.Errorf("session not reset after transport failure: %v", srv.Session().State())
	}
}

func TestServeResetsOnDisconnect(t *testing.T) {
	f := &fakeFlash{}
	srv := newTestServer(t, f)
	payload := []byte("a fresh image after reconnect")

	tr := &scriptedTransport{steps: []step{
		{data: append(EncodeHeader(5000), make([]byte, 300)...)},
		{err: ErrDisconnected},
		{data: make([]byte, 300)},
	}}
	if err := srv.Serve(context.Background(), tr); !errors.Is(err, errUnplugged) {
		t.Fatalf("Serve = %v", err)
	}
	if len(tr.msgs) != 0 {
		t.Errorf("replies = %q, want none", tr.msgs)
	}

	// The stray payload after the disconnect was taken as a bad header; a
	// new session starts cleanly.
	f.ops = nil
	tr = &scriptedTransport{steps: []step{
		{data: append(EncodeHeader(uint32(len(payload))), payload...)},
	}}
	if err := srv.Serve(context.Background(), tr); !errors.Is(err, errUnplugged) {
		t.Fatalf("Serve = %v", err)
	}
	checkWritten(t, f, payload)
	if tr.count("OK") != 1 {
		t.Errorf("replies = %q", tr.msgs)
	}
}

func TestServeKeepsRunningAfterFlashError(t *testing.T) {
	f := &fakeFlash{programErr: errors.New("bus fault")}
	srv := newTestServer(t, f)

	tr := &scriptedTransport{steps: []step{
		{data: append(EncodeHeader(10), make([]byte, 10)...)},
		{data: []byte("more")},
	}}
	if err := srv.Serve(context.Background(), tr); !errors.Is(err, errUnplugged) {
		t.Fatalf("Serve = %v, want port removed", err)
	}
	if tr.reads != 3 {
		t.Errorf("reads = %d, want the loop to keep polling", tr.reads)
	}
	if len(tr.msgs) != 0 {
		t.Errorf("replies = %q, want none", tr.msgs)
	}
}

type idleTransport struct{ replies }

func (idleTransport) ReadChunk([]byte) (int, error) { return 0, nil }

func TestServeStopsOnCancel(t *testing.T) {
	srv := newTestServer(t, &fakeFlash{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, &idleTransport{}) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Serve = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
