// Package state holds the authoritative local copy of a race on one device.
//
// Store is the single mutation surface. Every mutation runs in one locked
// step: apply the patch to a working copy, recalculate projections from the
// earliest affected leg, validate, then commit and refresh the derived
// current/next leg index. Events are published and the outbound Notifier is
// called after the lock is released.
//
// Changes carry an origin. Local and repair changes reach the Notifier so
// they can be synced; sync and remote changes do not, which keeps merged
// remote edits from echoing back out.
package state
