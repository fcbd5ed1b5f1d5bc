package cmd

import "github.com/hypervisor-io/hypervisor/internal/common/hverrors"

var exitCodes = map[hverrors.Kind]int{
	hverrors.KindOK:                    0,
	hverrors.KindNotFound:              2,
	hverrors.KindAlreadyExists:         3,
	hverrors.KindInvalidArgument:       4,
	hverrors.KindInvalidState:          5,
	hverrors.KindCapacityInconsistency: 6,
	hverrors.KindUnavailable:           7,
}

// ExitCode returns the process exit code for an error returned by a command, so that scripts can tell
// failure classes apart. Errors that aren't classified exit with 1.
func ExitCode(err error) int {
	if code, ok := exitCodes[hverrors.KindFromError(err)]; ok {
		return code
	}
	return 1
}
