package broadcast

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/matryer/is"
)

// memListener records everything sent to it and can be told to fail.
type memListener struct {
	json   []any
	audio  [][]byte
	err    error
	closed bool
}

func (l *memListener) SendJSON(v any) error {
	if l.err != nil {
		return l.err
	}
	l.json = append(l.json, v)
	return nil
}

func (l *memListener) SendAudio(data []byte) error {
	if l.err != nil {
		return l.err
	}
	l.audio = append(l.audio, data)
	return nil
}

func (l *memListener) Close() error {
	l.closed = true
	return nil
}

func TestBroadcaster_AddRemoveCount(t *testing.T) {
	is := is.New(t)

	b := New(slog.Default())
	is.Equal(b.Count(), 0)

	id := b.Add(&memListener{})
	is.Equal(b.Count(), 1)

	b.Remove(id)
	is.Equal(b.Count(), 0)

	b.Remove("unknown") // no-op
	is.Equal(b.Count(), 0)
}

func TestBroadcaster_BroadcastJSONReachesAll(t *testing.T) {
	is := is.New(t)

	b := New(slog.Default())
	l1 := &memListener{}
	l2 := &memListener{}
	b.Add(l1)
	b.Add(l2)

	b.SendTranscription("A", "Alice", "hello", true, time.Now())

	is.Equal(len(l1.json), 1)
	is.Equal(len(l2.json), 1)

	msg, ok := l1.json[0].(TranscriptionMessage)
	is.True(ok)
	is.Equal(msg.Type, "transcription")
	is.Equal(msg.SpeakerName, "Alice")
	is.True(msg.IsFinal)
}

func TestBroadcaster_FailingListenerIsPruned(t *testing.T) {
	is := is.New(t)

	b := New(slog.Default())
	bad := &memListener{err: errors.New("connection reset")}
	good := &memListener{}
	b.Add(bad)
	b.Add(good)

	b.BroadcastJSON(StatusMessage{Type: "status", Status: "in_call"})

	// The failing listener is dropped and closed; the healthy one still
	// got the message.
	is.Equal(b.Count(), 1)
	is.True(bad.closed)
	is.Equal(len(good.json), 1)

	// A later broadcast only reaches the survivor.
	b.BroadcastJSON(StatusMessage{Type: "status", Status: "completed"})
	is.Equal(len(good.json), 2)
}

func TestBroadcaster_BroadcastAudio(t *testing.T) {
	is := is.New(t)

	b := New(slog.Default())
	l := &memListener{}
	b.Add(l)

	b.BroadcastAudio([]byte{1, 2, 3})
	is.Equal(len(l.audio), 1)
	is.Equal(len(l.audio[0]), 3)
}

func TestBroadcaster_CloseAll(t *testing.T) {
	is := is.New(t)

	b := New(slog.Default())
	l1 := &memListener{}
	l2 := &memListener{}
	b.Add(l1)
	b.Add(l2)

	b.CloseAll()
	is.Equal(b.Count(), 0)
	is.True(l1.closed)
	is.True(l2.closed)
}
