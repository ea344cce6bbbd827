package lifecycle

import (
	"context"
	"errors"
	"testing"

	"crewline/internal/chat"
)

type fakeMessenger struct {
	deletedMessages []string // "channel/message"
	deletedFiles    []string
	history         []chat.Message
	historyErr      error
	deleteErr       error
}

func (f *fakeMessenger) DeleteMessage(_ context.Context, channelID, messageID string) error {
	f.deletedMessages = append(f.deletedMessages, channelID+"/"+messageID)
	return f.deleteErr
}

func (f *fakeMessenger) DeleteFile(_ context.Context, fileID string) error {
	f.deletedFiles = append(f.deletedFiles, fileID)
	return f.deleteErr
}

func (f *fakeMessenger) History(_ context.Context, channelID string, limit int) ([]chat.Message, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	if limit < len(f.history) {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func TestRetractDeletesMessageAndAttachments(t *testing.T) {
	m := &fakeMessenger{}
	tr := New(m, 50)
	tr.Track("41", Record{Channel: "C1", MessageID: "M9", Attachments: []string{"F1", "F2"}})

	tr.Retract(context.Background(), "41")

	if len(m.deletedMessages) != 1 || m.deletedMessages[0] != "C1/M9" {
		t.Fatalf("deleted messages = %v", m.deletedMessages)
	}
	if len(m.deletedFiles) != 2 {
		t.Fatalf("deleted files = %v", m.deletedFiles)
	}
	if _, ok := tr.Get("41"); ok {
		t.Fatal("record survived retraction")
	}
}

func TestRetractUntrackedIsNoop(t *testing.T) {
	m := &fakeMessenger{}
	tr := New(m, 50)
	tr.Retract(context.Background(), "41")
	if len(m.deletedMessages) != 0 {
		t.Fatalf("deleted messages = %v", m.deletedMessages)
	}
}

func TestRetractBestEffortDropsRecordOnFailure(t *testing.T) {
	m := &fakeMessenger{deleteErr: errors.New("gone already")}
	tr := New(m, 50)
	tr.Track("41", Record{Channel: "C1", MessageID: "M9", Attachments: []string{"F1"}})

	tr.Retract(context.Background(), "41")

	if len(m.deletedFiles) != 1 {
		t.Fatal("attachment deletion skipped after message deletion failed")
	}
	if _, ok := tr.Get("41"); ok {
		t.Fatal("record survived failed retraction")
	}
}

func TestRetractByMarker(t *testing.T) {
	m := &fakeMessenger{history: []chat.Message{
		{ID: "M1", Channel: "C1", Text: "Extraction [#act:41]"},
		{ID: "M2", Channel: "C1", Text: "unrelated"},
		{ID: "M3", Channel: "C1", Text: "repost [#act:41] again"},
		{ID: "M4", Channel: "C1", Text: "other activity [#act:410]"},
	}}
	tr := New(m, 50)

	tr.RetractByMarker(context.Background(), "C1", "41")

	want := []string{"C1/M1", "C1/M3"}
	if len(m.deletedMessages) != len(want) {
		t.Fatalf("deleted messages = %v, want %v", m.deletedMessages, want)
	}
	for i, w := range want {
		if m.deletedMessages[i] != w {
			t.Fatalf("deleted messages = %v, want %v", m.deletedMessages, want)
		}
	}
}

func TestRetractByMarkerHistoryFailure(t *testing.T) {
	m := &fakeMessenger{historyErr: errors.New("channel gone")}
	tr := New(m, 50)
	tr.RetractByMarker(context.Background(), "C1", "41")
	if len(m.deletedMessages) != 0 {
		t.Fatalf("deleted messages = %v", m.deletedMessages)
	}
}
