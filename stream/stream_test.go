package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wraith-net/wraith/frame"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []*frame.Header
	onSend func(*frame.Header, []byte)
}

func (f *fakeSender) SendFrame(h *frame.Header, payload []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, h)
	f.mu.Unlock()
	if f.onSend != nil {
		f.onSend(h, payload)
	}
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestStreamWriteAndReadRoundTrip(t *testing.T) {
	sender := &fakeSender{}
	recv := New(16, sender, nil, nil)
	defer recv.Halt()

	sendSide := New(16, sender, nil, nil)
	defer sendSide.Halt()

	msg := []byte("hello wraith")
	n, err := sendSide.Write(msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	require.Eventually(t, func() bool { return sender.count() > 0 }, time.Second, 10*time.Millisecond)

	sender.mu.Lock()
	h := sender.sent[0]
	sender.mu.Unlock()

	require.NoError(t, recv.HandleData(h, msg))
	out, ok := recv.Read()
	require.True(t, ok)
	require.Equal(t, msg, out)
}

func TestStreamHandleDataOutOfOrder(t *testing.T) {
	sender := &fakeSender{}
	s := New(16, sender, nil, nil)
	defer s.Halt()

	second := &frame.Header{Type: frame.TypeData, StreamID: 16, Offset: 5, PayloadLen: 5}
	require.NoError(t, s.HandleData(second, []byte("world")))

	select {
	case <-s.readCh:
		t.Fatal("out-of-order chunk delivered before its predecessor arrived")
	case <-time.After(50 * time.Millisecond):
	}

	first := &frame.Header{Type: frame.TypeData, StreamID: 16, Offset: 0, PayloadLen: 5}
	require.NoError(t, s.HandleData(first, []byte("hello")))

	got1, ok := s.Read()
	require.True(t, ok)
	require.Equal(t, []byte("hello"), got1)
	got2, ok := s.Read()
	require.True(t, ok)
	require.Equal(t, []byte("world"), got2)
}

func TestStreamHandleAckReleasesInFlightAndUpdatesWindow(t *testing.T) {
	sender := &fakeSender{}
	s := New(16, sender, nil, nil)
	defer s.Halt()

	_, err := s.Write([]byte("payload"))
	require.NoError(t, err)

	s.HandleAck(7, nil, 2048)
	s.mu.Lock()
	inFlight := len(s.inFlight)
	window := s.peerWindow
	s.mu.Unlock()
	require.Equal(t, 0, inFlight)
	require.Equal(t, uint64(2048), window)
}

func TestStreamCloseCompletesOnAck(t *testing.T) {
	sender := &fakeSender{}
	s := New(16, sender, nil, nil)
	defer s.Halt()

	require.NoError(t, s.Close())
	s.HandleAck(0, nil, defaultWindow)

	select {
	case <-s.closeNotify:
	case <-time.After(time.Second):
		t.Fatal("stream did not reach StreamClosed after its FIN was acked")
	}
}

func TestStreamRTOExhaustionReportsFailure(t *testing.T) {
	sender := &fakeSender{}
	failed := make(chan error, 1)
	s := New(16, sender, nil, func(err error) { failed <- err })
	defer s.Halt()

	s.mu.Lock()
	s.inFlight[0] = &pendingSegment{offset: 0, data: []byte("x"), sentAt: time.Now().Add(-time.Hour), rto: time.Millisecond, retries: maxRTORetries + 1}
	s.mu.Unlock()

	select {
	case err := <-failed:
		require.ErrorIs(t, err, ErrRTOExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("onFail was not called after RTO retries were exhausted")
	}
}
