package model

import (
	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/tensor"
)

// taped is implemented by backends that record operations for autodiff.
type taped interface {
	Tape() *autodiff.GradientTape
}

// NoGrad stops gradient recording on backend, if it records at all, and
// returns a func that clears the tape and restores the previous state.
//
//	defer model.NoGrad(backend)()
func NoGrad[B tensor.Backend](backend B) (restore func()) {
	tb, ok := any(backend).(taped)
	if !ok {
		return func() {}
	}
	tape := tb.Tape()
	was := tape.IsRecording()
	tape.StopRecording()
	return func() {
		tape.Clear()
		if was {
			tape.StartRecording()
		}
	}
}
