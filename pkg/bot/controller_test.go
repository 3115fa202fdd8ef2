package bot

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/matryer/is"
)

type fakeControl struct {
	initCalls     int
	initErr       error
	shutdownCalls int
}

func (f *fakeControl) Initialize(ctx context.Context) error {
	f.initCalls++
	return f.initErr
}

func (f *fakeControl) Shutdown(ctx context.Context) error {
	f.shutdownCalls++
	return nil
}

type fakeDetacher struct {
	calls int
}

func (f *fakeDetacher) Detach() { f.calls++ }

type fakeNotifier struct {
	statuses []string
}

func (f *fakeNotifier) SendStatus(status string, details map[string]any) {
	f.statuses = append(f.statuses, status)
}

type controllerFixture struct {
	controller *Controller
	store      *MemoryStore
	control    *fakeControl
	detacher   *fakeDetacher
	notifier   *fakeNotifier
}

func newControllerFixture(t *testing.T, secret string) *controllerFixture {
	t.Helper()
	f := &controllerFixture{
		store:    NewMemoryStore(),
		control:  &fakeControl{},
		detacher: &fakeDetacher{},
		notifier: &fakeNotifier{},
	}
	err := f.store.Put(context.Background(), Session{
		ID:         "bot-1",
		MeetingURL: "https://zoom.us/j/123",
		BotName:    "MeetBot",
		Status:     StatusJoining,
		StartedAt:  time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.controller = NewController("bot-1", f.store, f.control, f.detacher, f.notifier, secret, slog.Default())
	return f
}

func statusEvent(botID, code string) Event {
	return Event{
		Kind: EventStatusChange,
		Data: EventData{BotID: botID, Status: StatusChange{Code: code}},
	}
}

func TestController_RecordingStartsTranscription(t *testing.T) {
	is := is.New(t)

	f := newControllerFixture(t, "")
	ctx := context.Background()

	is.NoErr(f.controller.OnLifecycleEvent(ctx, statusEvent("bot-1", "in_call")))
	is.Equal(f.control.initCalls, 0) // not recording yet

	is.NoErr(f.controller.OnLifecycleEvent(ctx, statusEvent("bot-1", "in_call_recording")))
	is.Equal(f.control.initCalls, 1)

	status, err := f.controller.Status(ctx)
	is.NoErr(err)
	is.Equal(status, StatusInCallRecording)
	is.Equal(f.notifier.statuses, []string{"in_call", "in_call_recording"})
}

func TestController_LifecycleToFailure(t *testing.T) {
	is := is.New(t)

	f := newControllerFixture(t, "")
	ctx := context.Background()

	is.NoErr(f.controller.OnLifecycleEvent(ctx, statusEvent("bot-1", "joining_call")))
	is.NoErr(f.controller.OnLifecycleEvent(ctx, statusEvent("bot-1", "in_call_recording")))
	is.NoErr(f.controller.OnLifecycleEvent(ctx, Event{
		Kind: EventFailed,
		Data: EventData{BotID: "bot-1", Error: "RemovedByHost", ErrorMessage: "host removed the bot"},
	}))

	sess, err := f.store.Get(ctx, "bot-1")
	is.NoErr(err)
	is.Equal(sess.Status, Status("failed_RemovedByHost"))
	is.True(sess.Status.Terminal())
	is.True(!sess.EndedAt.IsZero())
	is.Equal(sess.ErrorDetail, "host removed the bot")

	is.Equal(f.control.shutdownCalls, 1)
	is.Equal(f.detacher.calls, 1)

	// Events after a terminal state are ignored: no second shutdown, no
	// state change.
	is.NoErr(f.controller.OnLifecycleEvent(ctx, statusEvent("bot-1", "in_call_recording")))
	is.Equal(f.control.shutdownCalls, 1)
	is.Equal(f.control.initCalls, 1)
}

func TestController_Complete(t *testing.T) {
	is := is.New(t)

	f := newControllerFixture(t, "")
	ctx := context.Background()

	is.NoErr(f.controller.OnLifecycleEvent(ctx, statusEvent("bot-1", "in_call_recording")))
	is.NoErr(f.controller.OnLifecycleEvent(ctx, Event{
		Kind: EventComplete,
		Data: EventData{
			BotID:    "bot-1",
			MP4:      "https://cdn.example.com/rec.mp4",
			Speakers: []string{"Alice", "Bob"},
		},
	}))

	sess, err := f.store.Get(ctx, "bot-1")
	is.NoErr(err)
	is.Equal(sess.Status, StatusCompleted)
	is.Equal(sess.RecordingURL, "https://cdn.example.com/rec.mp4")
	is.Equal(len(sess.Speakers), 2)
	is.Equal(f.control.shutdownCalls, 1)
	is.Equal(f.detacher.calls, 1)
}

func TestController_AuthTokenMismatch(t *testing.T) {
	is := is.New(t)

	f := newControllerFixture(t, "shared-secret")
	ctx := context.Background()

	ev := statusEvent("bot-1", "in_call_recording")
	ev.AuthToken = "wrong-token"
	err := f.controller.OnLifecycleEvent(ctx, ev)
	is.True(err == ErrUnauthorized)

	// No state change happened.
	status, serr := f.controller.Status(ctx)
	is.NoErr(serr)
	is.Equal(status, StatusJoining)
	is.Equal(f.control.initCalls, 0)

	// A matching token is accepted.
	ev.AuthToken = "shared-secret"
	is.NoErr(f.controller.OnLifecycleEvent(ctx, ev))
	is.Equal(f.control.initCalls, 1)
}

func TestController_UnknownEventKindAccepted(t *testing.T) {
	is := is.New(t)

	f := newControllerFixture(t, "")
	err := f.controller.OnLifecycleEvent(context.Background(), Event{
		Kind: "bot.some_future_event",
		Data: EventData{BotID: "bot-1"},
	})
	is.NoErr(err)

	status, serr := f.controller.Status(context.Background())
	is.NoErr(serr)
	is.Equal(status, StatusJoining)
}

func TestController_InvalidAndMismatchedEvents(t *testing.T) {
	is := is.New(t)

	f := newControllerFixture(t, "")
	ctx := context.Background()

	err := f.controller.OnLifecycleEvent(ctx, Event{Kind: EventStatusChange})
	is.True(err == ErrInvalidEvent)

	err = f.controller.OnLifecycleEvent(ctx, statusEvent("someone-else", "in_call"))
	is.True(err != nil)
}

func TestController_InitFailureTerminatesSession(t *testing.T) {
	is := is.New(t)

	f := newControllerFixture(t, "")
	f.control.initErr = context.DeadlineExceeded
	ctx := context.Background()

	is.NoErr(f.controller.OnLifecycleEvent(ctx, statusEvent("bot-1", "in_call_recording")))

	sess, err := f.store.Get(ctx, "bot-1")
	is.NoErr(err)
	is.Equal(sess.Status, Status("failed_TranscriptionInitFailed"))
	is.Equal(f.control.shutdownCalls, 1)
}

func TestController_FailSession(t *testing.T) {
	is := is.New(t)

	f := newControllerFixture(t, "")
	ctx := context.Background()

	is.NoErr(f.controller.OnLifecycleEvent(ctx, statusEvent("bot-1", "in_call_recording")))
	is.NoErr(f.controller.FailSession(ctx, "TranscriptionFailed", "stream lost"))

	sess, err := f.store.Get(ctx, "bot-1")
	is.NoErr(err)
	is.Equal(sess.Status, Status("failed_TranscriptionFailed"))
	is.Equal(sess.ErrorDetail, "stream lost")
	is.True(!sess.EndedAt.IsZero())
	is.Equal(f.control.shutdownCalls, 1)
	is.Equal(f.detacher.calls, 1)
	is.Equal(f.notifier.statuses[len(f.notifier.statuses)-1], "failed_TranscriptionFailed")

	// A terminal session is left untouched: no second shutdown, no
	// status overwrite.
	is.NoErr(f.controller.FailSession(ctx, "SomethingElse", "late report"))
	sess, err = f.store.Get(ctx, "bot-1")
	is.NoErr(err)
	is.Equal(sess.Status, Status("failed_TranscriptionFailed"))
	is.Equal(f.control.shutdownCalls, 1)
}

func TestStatus_Terminal(t *testing.T) {
	is := is.New(t)

	is.True(StatusCompleted.Terminal())
	is.True(FailedStatus("RemovedByHost").Terminal())
	is.True(FailedStatus("").Terminal())
	is.True(!StatusJoining.Terminal())
	is.True(!StatusInCallRecording.Terminal())
}

func TestMemoryStore(t *testing.T) {
	is := is.New(t)

	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	is.True(err == ErrNotFound)

	is.NoErr(s.Put(ctx, Session{ID: "a", Status: StatusJoining}))
	is.NoErr(s.Put(ctx, Session{ID: "b", Status: StatusInCall}))

	got, err := s.Get(ctx, "a")
	is.NoErr(err)
	is.Equal(got.Status, StatusJoining)

	all, err := s.List(ctx)
	is.NoErr(err)
	is.Equal(len(all), 2)
}
