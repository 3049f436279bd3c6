/*
Package events provides the control plane's in-memory event bus.

Every component that changes shared state — the pool, the state manager,
the scaler, the optimizer, the monitor — publishes an Event rather than
calling its peers directly. The coordinator, the metrics recorder, and
any admin-surface subscriber consume the same stream.

Publish is non-blocking: a full broker queue drops the event and a full
subscriber buffer skips that subscriber rather than stalling the publisher. This is fire-and-forget messaging,
not a delivery guarantee; nothing safety-critical should depend on a
subscriber actually observing an event.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			...
		}
	}()

	broker.Publish(&events.Event{Type: events.EventContainerCreated, Message: "..."})
*/
package events
