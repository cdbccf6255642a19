package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/LewisTansley/ntfsconv/pkg/events"
)

func TestRenderLogWritesText(t *testing.T) {
	var buf bytes.Buffer
	term := &Terminal{}
	term.renderLog(&buf, &events.LogPayload{Level: events.LevelInfo, Text: "shrinking volume"})

	if !strings.Contains(buf.String(), "shrinking volume") {
		t.Errorf("output = %q, want it to contain the log text", buf.String())
	}
}

func TestRenderDispatchesByKind(t *testing.T) {
	var buf bytes.Buffer
	term := &Terminal{}

	term.render(&buf, &events.Event{Kind: events.KindLog, Log: &events.LogPayload{Text: "hello"}})
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("render() did not dispatch log event: %q", buf.String())
	}
}

func TestNewDefaultsUnsetBar(t *testing.T) {
	broker := events.NewBroker()
	term := New(broker)
	if term.bar != nil {
		t.Error("New() should not start with a progress bar")
	}
}
