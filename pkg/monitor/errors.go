package monitor

import "errors"

// ErrShutdown is returned by Monitor methods after Shutdown or once Run
// has returned.
var ErrShutdown = errors.New("monitor: shut down")

// ErrNoCall is returned by SendAudio while no call is active.
var ErrNoCall = errors.New("monitor: no active call")

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("monitor: already running")
