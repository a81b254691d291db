package state

type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusDone       JobStatus = "DONE"
	StatusFailed     JobStatus = "FAILED"
)

func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is expected in poll mode.
func (s JobStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

var AllStatuses = []JobStatus{
	StatusPending,
	StatusProcessing,
	StatusDone,
	StatusFailed,
}

type Transition struct {
	From JobStatus
	To   JobStatus
}

// ValidTransitions lists the lifecycle edges. FAILED -> PROCESSING only
// happens in broker mode, when the broker redelivers a message whose
// previous delivery failed.
var ValidTransitions = []Transition{
	{From: StatusPending, To: StatusProcessing},
	{From: StatusProcessing, To: StatusDone},
	{From: StatusProcessing, To: StatusPending},
	{From: StatusProcessing, To: StatusFailed},
	{From: StatusFailed, To: StatusProcessing},
}

func IsValidTransition(from, to JobStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
