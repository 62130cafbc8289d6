/*
Package events broadcasts workflow notifications to in-process subscribers.

A Broker accepts events on a buffered channel (100 events) and copies each
one to every subscriber channel (50 events each). Delivery never blocks the
publisher on a slow subscriber: a full subscriber channel drops the event.

Hooks implements workflow.Hooks on top of a Broker, so a harness can follow
pods without putting bookkeeping code into the workflow:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	hooks := events.NewHooks(broker)
	wf := workflow.New(d, workflow.Options{
		Hooks:        hooks,
		WatchCrashes: true,
		CrashLog:     hooks.CrashLog(nil),
	})

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

Event types:

	recipe.finalized     a recipe is about to be frozen
	containers.started   a pod group is online
	containers.stopping  a pod group is about to be deleted
	container.crashed    a crash watcher saw a restart
*/
package events
