// Package progress tracks the status of long-running pipeline tasks and
// fans each change out to any number of subscribers.
//
// Publishing never blocks on subscribers: every subscription owns a small
// bounded queue that drops its oldest event on overflow, and a goroutine
// that feeds the queue to the reader. A subscription ends after a
// terminal event, after IdleTimeout without an update, or when its
// context or the subscription is closed.
//
// # Usage
//
//	b, _ := progress.NewBroker(progress.DefaultConfig())
//	id := b.CreateTask()
//	sub, _ := b.Subscribe(ctx, id)
//	defer sub.Close()
//	go run(b, id)
//	for ev := range sub.Events() {
//		render(ev.Snapshot)
//	}
package progress
