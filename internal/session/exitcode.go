package session

import (
	"errors"
	"os/exec"
)

// asExitError extracts the child's exit code from the error proxy.Wait()
// returns, if it is an *exec.ExitError. The second return is false for any
// other error (signal death, I/O failure), which callers treat as "no
// numeric exit code to report".
func asExitError(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}
