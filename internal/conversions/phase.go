package conversions

// Phase is the stage of a session's conversion.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseConverting    Phase = "converting"
	PhaseSendingResult Phase = "sending_result"
	PhaseSucceeded     Phase = "succeeded"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseIdle, PhaseConverting, PhaseSendingResult, PhaseSucceeded:
		return true
	default:
		return false
	}
}

// Next returns the phase that follows p. Succeeded has no successor.
func (p Phase) Next() (Phase, bool) {
	switch p {
	case PhaseIdle:
		return PhaseConverting, true
	case PhaseConverting:
		return PhaseSendingResult, true
	case PhaseSendingResult:
		return PhaseSucceeded, true
	default:
		return "", false
	}
}

// Running reports whether the pipeline is still working on p.
func (p Phase) Running() bool {
	return p == PhaseConverting || p == PhaseSendingResult
}

// CanTransition allows a single forward step or a reset to idle.
func CanTransition(from, to Phase) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == PhaseIdle {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

func transition(from, to Phase) string {
	return string(from) + "->" + string(to)
}
