//go:build !linux

package topology

import "github.com/ntsync/ntsync/internal/errtype"

// schedAffinityCoreCount has no portable equivalent outside Linux; see
// affinity_linux.go.
func schedAffinityCoreCount() (int, error) {
	return 0, errtype.Wrap(errtype.NotImplemented, "topology: affinity sanity check is Linux-only")
}
