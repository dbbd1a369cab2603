package gerrit

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSshCommand(t *testing.T) {
	client, err := NewSSHClient("ssh://bot@gerrit.example.com:29418", "/keys/bot")
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"-i", "/keys/bot", "-p", "29418", "bot@gerrit.example.com", "gerrit"},
		client.buildSshCommand(),
	)

	// The port defaults to the Gerrit ssh port
	client, err = NewSSHClient("ssh://gerrit.example.com", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"-p", "29418", "gerrit.example.com", "gerrit"}, client.buildSshCommand())
}

func TestNewSSHClientRejectsNonSshUrls(t *testing.T) {
	_, err := NewSSHClient("https://gerrit.example.com", "")
	assert.Error(t, err)
}

func TestDecodeEvent(t *testing.T) {
	event, err := DecodeEvent([]byte(`{"type":"topic-changed","oldTopic":"a","change":{"number":7,"topic":"b","status":"NEW"},"changer":{"username":"grace"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventTopicChanged, event.Type)
	assert.Equal(t, "a", event.OldTopic)
	assert.Equal(t, "b", event.Change.Topic)
	assert.True(t, event.Change.Open())
	assert.Equal(t, "grace", event.Who().Username)

	_, err = DecodeEvent([]byte(`{"change":{}}`))
	assert.Error(t, err, "events without a type are rejected")

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestPatchSetTrivial(t *testing.T) {
	for kind, trivial := range map[string]bool{
		KindRework:                 false,
		KindTrivialRebase:          false,
		KindMergeFirstParentUpdate: false,
		KindNoCodeChange:           true,
		KindNoChange:               true,
	} {
		assert.Equal(t, trivial, PatchSet{Kind: kind}.Trivial(), kind)
	}
}

func TestListenSkipsUndecodableLines(t *testing.T) {
	client, err := NewSSHClient("ssh://bot@gerrit.example.com:29418", "")
	require.NoError(t, err)

	var gotArgs []string
	client.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		gotArgs = args
		return exec.CommandContext(ctx, "cat", "testdata/events.jsonl")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan Event, 16)
	done := make(chan error, 1)
	go func() {
		done <- client.Listen(ctx, events)
	}()

	var got []Event
	timeout := time.After(5 * time.Second)
	for len(got) < 3 {
		select {
		case e := <-events:
			got = append(got, e)
		case <-timeout:
			t.Fatalf("expected 3 events, got %d", len(got))
		}
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}

	assert.Equal(t, EventPatchsetCreated, got[0].Type)
	assert.Equal(t, EventTopicChanged, got[1].Type)
	assert.Equal(t, EventChangeAbandoned, got[2].Type)
	assert.Equal(t, "stream-events", gotArgs[len(gotArgs)-1])
	assert.Contains(t, strings.Join(gotArgs, " "), "bot@gerrit.example.com gerrit")
}

func TestHandleDispatchesUntilClosed(t *testing.T) {
	events := make(chan Event, 2)
	events <- Event{Type: EventChangeRestored}
	events <- Event{Type: EventChangeAbandoned}
	close(events)

	var seen []string
	Handle(context.Background(), events, EventHandlerFunc(func(_ context.Context, e Event) {
		seen = append(seen, e.Type)
	}))
	assert.Equal(t, []string{EventChangeRestored, EventChangeAbandoned}, seen)
}
