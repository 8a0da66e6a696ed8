// Package validate enforces the leg timing invariants.
//
// Invariants checked here:
//
//  1. At most one leg is active (started and not finished).
//  2. No leg starts before its predecessor finished.
//  3. A finish is strictly after its start, and never set without a start.
//
// ValidateTimeUpdate is the pre-commit gate for a single timing edit.
// DetectAndRepairImpossibleLegStates and AutoFixSingleRunnerViolations are
// post-hoc passes that only resolve logical impossibilities; elapsed time
// alone never finishes a leg unless the LongLegPolicy says so.
package validate
