package audio

import "context"

// OutputState reports whether the playback device is able to play.
type OutputState int

const (
	OutputRunning OutputState = iota
	OutputSuspended
)

func (s OutputState) String() string {
	if s == OutputSuspended {
		return "suspended"
	}
	return "running"
}

// Output models the playback device. Platforms that gate audio behind a
// user gesture report OutputSuspended until Resume succeeds; the scheduler
// resumes a suspended output before the first playback of a turn.
type Output interface {
	State() OutputState
	Resume(ctx context.Context) error
}

// AlwaysRunningOutput is the default Output for platforms with no gating.
type AlwaysRunningOutput struct{}

func (AlwaysRunningOutput) State() OutputState           { return OutputRunning }
func (AlwaysRunningOutput) Resume(context.Context) error { return nil }
