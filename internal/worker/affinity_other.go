//go:build !linux

package worker

import "github.com/ntsync/ntsync/internal/errtype"

// pinToCore has no portable equivalent outside Linux; spec §1 scopes
// affinity pinning to the Linux target, so this is a deliberate
// no-op-with-error rather than a silent best-effort guess.
func pinToCore(coreID int) error {
	return errtype.Wrap(errtype.NotImplemented, "worker: core affinity is Linux-only")
}

func setBatchScheduling() error {
	return errtype.Wrap(errtype.NotImplemented, "worker: batch scheduling is Linux-only")
}
