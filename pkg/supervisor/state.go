package supervisor

// JobState is the lifecycle state of a job attempt on this worker.
//
// NOTE: These values appear in logs and in the status endpoint and are part
// of the stable operator-facing contract.
type JobState string

const (
	// StateClaimed: lease acquired, no work done yet.
	StateClaimed JobState = "claimed"

	// StatePreparing: dependency cache resolving required inputs.
	StatePreparing JobState = "preparing"

	// StateRunning: sandbox executing under resource tracking.
	StateRunning JobState = "running"

	// StateFinalizing: result captured, being reported to the coordinator.
	StateFinalizing JobState = "finalizing"

	// StateSucceeded and StateFailed are terminal with a reported result.
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"

	// StateLost is terminal without a result: the coordinator reassigned
	// the lease, so another worker owns the job now.
	StateLost JobState = "lost"
)

// Terminal reports whether no further transitions can occur.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateLost:
		return true
	}
	return false
}
