package packet

// Direction identifies which way a frame travels through the relay.
type Direction int

const (
	// Incoming frames travel server -> client.
	Incoming Direction = iota
	// Outgoing frames travel client -> server and are ciphered.
	Outgoing
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "incoming"
	case Outgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// ParseDirection is the inverse of String.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "incoming":
		return Incoming, true
	case "outgoing":
		return Outgoing, true
	default:
		return 0, false
	}
}
