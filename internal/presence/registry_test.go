package presence_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gochat-core/gochat/internal/presence"
)

type recordingSender struct {
	sent [][]byte
}

func (s *recordingSender) Send(frame []byte) error {
	s.sent = append(s.sent, frame)
	return nil
}

func TestRegisterAndCount(t *testing.T) {
	r := presence.New()
	assert.Equal(t, 0, r.Count("alice"))

	r.Register("alice", "conn-1", &recordingSender{})
	assert.Equal(t, 1, r.Count("alice"))

	r.Register("alice", "conn-2", &recordingSender{})
	assert.Equal(t, 2, r.Count("alice"))
}

func TestKickAllSignalsAndClears(t *testing.T) {
	r := presence.New()
	h1 := r.Register("alice", "conn-1", &recordingSender{})
	h2 := r.Register("alice", "conn-2", &recordingSender{})

	n := r.KickAll("alice")
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, r.Count("alice"))

	select {
	case <-h1.Kick:
	default:
		t.Fatal("expected conn-1 to receive a kick signal")
	}
	select {
	case <-h2.Kick:
	default:
		t.Fatal("expected conn-2 to receive a kick signal")
	}
}

func TestUnregisterOneLeavesSiblingsLive(t *testing.T) {
	r := presence.New()
	r.Register("alice", "conn-1", &recordingSender{})
	r.Register("alice", "conn-2", &recordingSender{})

	remaining := r.UnregisterOne("alice", "conn-1")
	assert.Equal(t, 1, remaining)
	assert.Equal(t, 1, r.Count("alice"))

	remaining = r.UnregisterOne("alice", "conn-2")
	assert.Equal(t, 0, remaining)
	assert.Equal(t, 0, r.Count("alice"))
}

func TestSendersSnapshot(t *testing.T) {
	r := presence.New()
	s1 := &recordingSender{}
	s2 := &recordingSender{}
	r.Register("alice", "conn-1", s1)
	r.Register("alice", "conn-2", s2)

	senders := r.Senders("alice")
	require.Len(t, senders, 2)

	for _, s := range senders {
		require.NoError(t, s.Send([]byte("hello")))
	}
	assert.Equal(t, []byte("hello"), s1.sent[0])
	assert.Equal(t, []byte("hello"), s2.sent[0])
}

func TestKickAllOnUnknownUserIsNoop(t *testing.T) {
	r := presence.New()
	assert.Equal(t, 0, r.KickAll("ghost"))
}

func TestSendersSkipsNilSenders(t *testing.T) {
	r := presence.New()
	r.Register("alice", "cmd-conn", nil)
	s1 := &recordingSender{}
	r.Register("alice", "rt-conn", s1)

	assert.Equal(t, 2, r.Count("alice"))
	senders := r.Senders("alice")
	require.Len(t, senders, 1)
	assert.Same(t, s1, senders[0])
}

func TestKickAllExceptSparesTheGivenConnection(t *testing.T) {
	r := presence.New()
	kept := r.Register("alice", "conn-1", &recordingSender{})
	displaced := r.Register("alice", "conn-2", &recordingSender{})

	n := r.KickAllExcept("alice", "conn-1")
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, r.Count("alice"))

	select {
	case <-kept.Kick:
		t.Fatal("conn-1 should not have been kicked")
	default:
	}
	select {
	case <-displaced.Kick:
	default:
		t.Fatal("expected conn-2 to receive a kick signal")
	}
}
