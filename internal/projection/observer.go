package projection

import "github.com/danmuck/pairsync/internal/setup"

// Observer is told when the phase seen by an attachment changes. The first
// delivery reports prev as "".
type Observer interface {
	PhaseChanged(prev, next setup.Phase, view setup.View)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(prev, next setup.Phase, view setup.View)

func (f ObserverFunc) PhaseChanged(prev, next setup.Phase, view setup.View) {
	f(prev, next, view)
}
