// Package syncer keeps one device's race state in step with the team's
// remote store.
//
// Local edits are applied optimistically and flow out through the offline
// queue; remote changes arrive through realtime notifications and periodic
// reconciliation and are merged field by field. A timing field with an
// unsent local edit is never overwritten silently: a differing remote value
// becomes a conflict for the user to resolve.
//
// Typical wiring:
//
//	st := state.New(state.WithBus(bus))
//	q := queue.New(id.DeviceID, queue.WithPersister(db))
//	m, err := syncer.New(id, st, link, q, syncer.WithBus(bus), syncer.WithCoordinator(coord))
//	go m.Run(ctx)
package syncer
