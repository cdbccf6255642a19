package events

import (
	"testing"
	"time"
)

func TestLogDelivered(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Log(LevelInfo, "shrinking volume")

	select {
	case ev := <-sub:
		if ev.Kind != KindLog {
			t.Fatalf("Kind = %v, want KindLog", ev.Kind)
		}
		if ev.Log.Text != "shrinking volume" {
			t.Errorf("Text = %q", ev.Log.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for log event")
	}
}

func TestProgressPanelDelivered(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.ProgressPanel(ProgressPanelPayload{Source: "ntfs", Target: "ext4", Iteration: 2, FilesMigrated: 100})

	ev := <-sub
	if ev.Kind != KindProgressPanel {
		t.Fatalf("Kind = %v, want KindProgressPanel", ev.Kind)
	}
	if ev.Progress.Iteration != 2 || ev.Progress.FilesMigrated != 100 {
		t.Errorf("unexpected payload: %+v", ev.Progress)
	}
}

func TestPromptRespond(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	go func() {
		ev := <-sub
		ev.Prompt.Respond(PromptResponse{Index: 1})
	}()

	resp := b.Prompt("continue?", []string{"abort", "retry"}, time.Second)
	if resp.Cancelled || resp.Index != 1 {
		t.Errorf("resp = %+v, want Index=1", resp)
	}
}

func TestPromptTimesOutAsCancelled(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	// no one answers

	resp := b.Prompt("continue?", []string{"abort", "retry"}, 20*time.Millisecond)
	if !resp.Cancelled {
		t.Error("expected Cancelled=true on timeout")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}
}
