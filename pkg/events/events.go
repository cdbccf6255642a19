package events

import (
	"sync"
	"time"
)

// Kind is the event kind carried over the broker, matching the four UI
// collaborator operations named in spec §6.
type Kind string

const (
	KindLog           Kind = "log"
	KindStatus        Kind = "status"
	KindProgressPanel Kind = "progress_panel"
	KindPrompt        Kind = "prompt"
)

// Level is the severity of a LogPayload.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// LogPayload is a single human-readable line, e.g. "shrinking NTFS volume
// to 40960 MB".
type LogPayload struct {
	Level Level
	Text  string
}

// StatusPayload replaces the single current status line. Percent is nil
// for an indeterminate status (e.g. "waiting for kernel to notice
// partition table change").
type StatusPayload struct {
	Text    string
	Percent *float64
}

// ProgressPanelPayload is the full persistent display spec §6 calls the
// progress_panel: source/target kind, current iteration against the
// estimate, overall percent complete, files migrated so far, and which
// checkpoint is in flight.
type ProgressPanelPayload struct {
	Source           string
	Target           string
	Iteration        uint32
	EstIterations    uint32
	Percent          float64
	FilesMigrated    uint64
	CurrentOperation string
}

// PromptResponse is a collaborator's answer to a PromptPayload: either the
// index of the chosen option, or Cancelled if the operator declined to
// choose (spec §6's "prompt returns an index or cancelled").
type PromptResponse struct {
	Index     int
	Cancelled bool
}

// PromptPayload asks the operator to choose among Options. Exactly one
// collaborator should call Respond; the broker only waits for the first.
type PromptPayload struct {
	Title   string
	Options []string
	reply   chan PromptResponse
}

// Respond answers the prompt. Safe to call at most once; later calls are
// dropped rather than panicking, since a slow second UI might race a fast
// first one in tests.
func (p *PromptPayload) Respond(resp PromptResponse) {
	select {
	case p.reply <- resp:
	default:
	}
}

// Event is one occurrence on the bus. Exactly one of Log, Status,
// Progress, Prompt is non-nil, selected by Kind.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Log       *LogPayload
	Status    *StatusPayload
	Progress  *ProgressPanelPayload
	Prompt    *PromptPayload
}

// Subscriber is a channel a UI collaborator reads from.
type Subscriber chan *Event

// Broker fans engine-originated events out to every subscribed UI
// collaborator (spec §6: "the engine never talks to a terminal directly,
// only to this interface").
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates an unstarted broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's dispatch loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts dispatch. Subscriber channels are left open; callers should
// Unsubscribe explicitly.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new collaborator and returns its event channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe deregisters and closes sub.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

func (b *Broker) publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// a slow collaborator misses an event rather than stalling the engine
		}
	}
}

// Log publishes a log line.
func (b *Broker) Log(level Level, text string) {
	b.publish(&Event{Kind: KindLog, Log: &LogPayload{Level: level, Text: text}})
}

// Status publishes a replacement status line.
func (b *Broker) Status(text string, percent *float64) {
	b.publish(&Event{Kind: KindStatus, Status: &StatusPayload{Text: text, Percent: percent}})
}

// ProgressPanel publishes a full panel refresh.
func (b *Broker) ProgressPanel(p ProgressPanelPayload) {
	b.publish(&Event{Kind: KindProgressPanel, Progress: &p})
}

// Prompt publishes a prompt and blocks for a collaborator's answer, up to
// timeout. A timeout with no reply counts as Cancelled, since an engine
// that never hears back must not hang forever mid-conversion.
func (b *Broker) Prompt(title string, options []string, timeout time.Duration) PromptResponse {
	reply := make(chan PromptResponse, 1)
	b.publish(&Event{Kind: KindPrompt, Prompt: &PromptPayload{Title: title, Options: options, reply: reply}})

	select {
	case resp := <-reply:
		return resp
	case <-time.After(timeout):
		return PromptResponse{Cancelled: true}
	}
}

// SubscriberCount reports the number of active collaborators.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
