// Package ui is the default terminal UI collaborator (spec §6): it
// subscribes to pkg/events and renders log lines, a status line, a
// progress panel, and interactive prompts. It is a passive consumer —
// the engine never imports this package.
package ui

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"
	colorable "github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/LewisTansley/ntfsconv/pkg/events"
)

// Terminal renders engine events to the controlling terminal.
type Terminal struct {
	broker *events.Broker
	out    *os.File
	useBar bool

	bar *pb.ProgressBar
}

// New returns a Terminal subscribed to broker. Call Run to start
// rendering; call Close to unsubscribe.
func New(broker *events.Broker) *Terminal {
	return &Terminal{
		broker: broker,
		out:    os.Stdout,
		useBar: isatty.IsTerminal(os.Stdout.Fd()),
	}
}

// Run renders events until ctx is done; stopping the broker alone does
// not end it, since the broker leaves subscriber channels open. It is
// meant to be launched in its own goroutine by the CLI's composition root.
func (t *Terminal) Run(ctx context.Context) {
	sub := t.broker.Subscribe()
	defer t.broker.Unsubscribe(sub)

	stdout := colorable.NewColorable(t.out)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			t.render(stdout, ev)
		}
	}
}

func (t *Terminal) render(w io.Writer, ev *events.Event) {
	switch ev.Kind {
	case events.KindLog:
		t.renderLog(w, ev.Log)
	case events.KindStatus:
		t.renderStatus(ev.Status)
	case events.KindProgressPanel:
		t.renderProgressPanel(ev.Progress)
	case events.KindPrompt:
		t.renderPrompt(ev.Prompt)
	}
}

func (t *Terminal) renderLog(w io.Writer, l *events.LogPayload) {
	var paint func(format string, a ...interface{}) string
	switch l.Level {
	case events.LevelWarn:
		paint = color.New(color.FgYellow).SprintfFunc()
	case events.LevelError:
		paint = color.New(color.FgRed, color.Bold).SprintfFunc()
	default:
		paint = color.New(color.FgCyan).SprintfFunc()
	}
	fmt.Fprintln(w, paint("%s", l.Text))
}

func (t *Terminal) renderStatus(s *events.StatusPayload) {
	if s.Percent != nil {
		fmt.Printf("\r%s (%.0f%%)\033[K", s.Text, *s.Percent)
		return
	}
	fmt.Printf("\r%s\033[K", s.Text)
}

func (t *Terminal) renderProgressPanel(p *events.ProgressPanelPayload) {
	if !t.useBar {
		fmt.Printf("[iteration %d/%d] %s -> %s: %.1f%% (%d files migrated) — %s\n",
			p.Iteration, p.EstIterations, p.Source, p.Target, p.Percent, p.FilesMigrated, p.CurrentOperation)
		return
	}

	if t.bar == nil {
		t.bar = pb.New(100)
		t.bar.SetTemplateString(`{{string . "prefix"}} {{bar . }} {{percent . }} {{string . "suffix"}}`)
		t.bar.Start()
	}
	t.bar.Set("prefix", fmt.Sprintf("iter %d/%d", p.Iteration, p.EstIterations))
	t.bar.Set("suffix", fmt.Sprintf("%s (%d files)", p.CurrentOperation, p.FilesMigrated))
	t.bar.SetCurrent(int64(p.Percent))
}

// renderPrompt asks the operator to choose an option via survey's select
// prompt and answers the event with the chosen index, or Cancelled if
// the operator interrupts the prompt (Ctrl-C/EOF).
func (t *Terminal) renderPrompt(p *events.PromptPayload) {
	if t.bar != nil {
		t.bar.Finish()
		t.bar = nil
	}

	var choice string
	q := &survey.Select{
		Message: p.Title,
		Options: p.Options,
	}
	if err := survey.AskOne(q, &choice); err != nil {
		p.Respond(events.PromptResponse{Cancelled: true})
		return
	}

	for i, opt := range p.Options {
		if opt == choice {
			p.Respond(events.PromptResponse{Index: i})
			return
		}
	}
	p.Respond(events.PromptResponse{Cancelled: true})
}

// Close finishes any in-progress progress bar rendering.
func (t *Terminal) Close() {
	if t.bar != nil {
		t.bar.Finish()
		t.bar = nil
	}
}
