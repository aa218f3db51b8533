// Package consensus classifies how closely two snapshots agree.
//
// Resolve is a pure, total function evaluated as an ordered policy where
// the first matching rule wins:
//
//  1. exact     every dimension digest is equal           steps = 0
//  2. majority  QuorumMin of the Quorum dimensions match   steps = MajoritySteps
//  3. partial   the Anchor dimension matches               steps = f(|Δclock|)
//  4. none      nothing matched                            steps = MaxSteps
//
// Cheap, order-sensitive checks let full agreement resolve in O(dimensions)
// without reconciliation. ConvergenceSteps is advisory: callers use it for
// retry and backoff decisions. It does not bound message rounds in a
// partitioned or adversarial network.
package consensus
