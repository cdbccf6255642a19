// Package events is the UI collaborator bus: the engine's only channel to
// a terminal. It publishes log, status, progress_panel, and prompt events
// (spec §6) and never imports a terminal library itself — pkg/ui (or a
// test) subscribes and renders or answers them independently, so the
// engine has no compile-time dependency on how a run is observed.
//
//	broker := events.NewBroker()
//	broker.Start()
//	defer broker.Stop()
//
//	sub := broker.Subscribe()
//	defer broker.Unsubscribe(sub)
//	go func() {
//		for ev := range sub {
//			switch ev.Kind {
//			case events.KindLog:
//				fmt.Println(ev.Log.Text)
//			case events.KindPrompt:
//				ev.Prompt.Respond(events.PromptResponse{Index: 0})
//			}
//		}
//	}()
package events
