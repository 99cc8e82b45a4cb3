package job

type State int

const (
	Created State = iota
	Queued
	Running
	Completed
	Released
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Queued:
		return "Queued"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	case Released:
		return "Released"
	default:
		return "Unknown"
	}
}
