package transcode

import (
	"errors"
	"fmt"
)

var (
	// ErrTranscoderStart means the transcoder binary could not be launched.
	ErrTranscoderStart = errors.New("transcoder failed to start")
	// ErrTranscoderExec means the transcoder ran and exited with an error
	// (non-zero exit, crash or wall-clock timeout).
	ErrTranscoderExec = errors.New("transcoder execution failed")
)

// AssemblyError reports a gap in the uploaded chunk run. Assembly requires
// every index below the high-water mark to be on disk.
type AssemblyError struct {
	MissingIndex int
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("missing chunk %d", e.MissingIndex)
}
