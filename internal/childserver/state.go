package childserver

// State - стадия жизненного цикла дочернего сервера
type State int32

const (
	Unregistered State = iota
	Registering
	Active
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registering:
		return "registering"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}
