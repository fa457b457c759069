package logic

// signalKey is the (position, pullToOpen) half of the derivation input.
// The motor line is checked first and overrides everything else.
type signalKey struct {
	position   bool
	pullToOpen bool
}

// positionTable maps the master orange level and wiring polarity to a rest state.
var positionTable = map[signalKey]State{
	{position: true, pullToOpen: true}:   StateOpen,
	{position: true, pullToOpen: false}:  StateClosed,
	{position: false, pullToOpen: true}:  StateClosed,
	{position: false, pullToOpen: false}: StateOpen,
}

// DeriveState maps the two sense lines and the wiring polarity to a gate state.
// A running motor always means MOVING, whatever the position line says.
func DeriveState(motor, position, pullToOpen bool) State {
	if motor {
		return StateMoving
	}
	return positionTable[signalKey{position: position, pullToOpen: pullToOpen}]
}
