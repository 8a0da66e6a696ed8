// Package harness runs scripted multi-device sync sessions against an
// in-memory remote.
//
// Each scenario starts a fresh memstore server on a fake clock. The first
// device bootstraps the race as captain; the others load it the way a
// joining teammate would. Steps then drive the devices one at a time and
// the events every device publishes are recorded as the trace.
//
// # Scenario Format
//
//	name: offline_conflict
//	description: "What this scenario demonstrates"
//	race:                      # or race_file: ../races/cascade.cue
//	  start: 1787292000000
//	  runners:
//	    - {id: 1, name: Ana, pace: 420, van: 1}
//	  distances: [5, 5, 5]
//	devices: [captain, member]
//	steps:
//	  - {device: captain, do: offline}
//	  - {device: captain, do: start, leg: 1, at: 0s}
//	  - {do: advance, by: 2m}
//	  - {device: captain, do: resolve, kind: timing, choice: remote}
//	  - {device: member, do: finish, leg: 3, expect_error: FINISH_WITHOUT_START}
//	assertions:
//	  - {type: leg, device: member, leg: 1, expect: {actual_start: 2m}}
//	  - {type: conflicts, device: captain, kind: timing, count: 0}
//	  - {type: converged}
//
// Times are Unix milliseconds or durations after the race start. A start,
// finish or handoff without "at" uses the current fake time.
//
// # Determinism
//
// Remote ids, change ids and lastModified values all come from sequences
// or the fake clock, notifications are delivered synchronously and the
// sync loop is replaced by an explicit queue run after every edit, so a
// scenario always produces the same trace. Traces are compared against
// golden files with RunWithGolden.
package harness
