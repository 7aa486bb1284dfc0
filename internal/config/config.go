// Package config reads the environment variables of spec §6 that
// govern the surrounding runtime rather than topology discovery
// itself: which cores workers are scheduled on, and how the process's
// own main thread is treated.
package config

import (
	"os"
	"strconv"

	"github.com/ntsync/ntsync/internal/errtype"
	"github.com/ntsync/ntsync/internal/topology"
)

// EnvMainThreadHandling names the variable controlling how the
// process's own main thread participates in the tree primitives (spec
// §6).
const EnvMainThreadHandling = "NTSYNC_MAIN_THREAD_HANDLING"

// MainThreadMode is the decoded form of NTSYNC_MAIN_THREAD_HANDLING.
type MainThreadMode int

const (
	// MainThreadUntouched leaves the main thread unregistered (value 0,
	// or the variable unset).
	MainThreadUntouched MainThreadMode = iota
	// MainThreadAsFirstWorker treats the main thread as one more
	// instance of the first worker function (values 1 or 2).
	MainThreadAsFirstWorker
	// MainThreadExplicitEntryPoint treats the raw integer value itself
	// as a literal entry-point identity for the main thread (any other
	// value).
	MainThreadExplicitEntryPoint
)

// Config is the decoded external-interface configuration of spec §6.
type Config struct {
	// CoreList is the set of core-ids workers may be scheduled on. Nil
	// means "all online cores" (the documented default).
	CoreList []int
	// MainThreadHandling selects how the process's own main thread is
	// folded into the registry.
	MainThreadHandling MainThreadMode
	// MainThreadEntryPoint holds the literal entry-point identity when
	// MainThreadHandling is MainThreadExplicitEntryPoint.
	MainThreadEntryPoint int
}

// Load reads NTSYNC_CORES_LIST and NTSYNC_MAIN_THREAD_HANDLING from
// the environment (spec §6). Missing variables take their documented
// defaults; a malformed value is reported, not silently ignored.
func Load() (*Config, error) {
	cfg := &Config{}

	if raw := os.Getenv(topology.EnvCoresList); raw != "" {
		cores, err := topology.ParseRangeList(raw)
		if err != nil {
			return nil, errtype.Wrapf(errtype.InvalidState, "config: %s: %v", topology.EnvCoresList, err)
		}
		cfg.CoreList = cores
	}

	if raw := os.Getenv(EnvMainThreadHandling); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errtype.Wrapf(errtype.InvalidState, "config: %s: %v", EnvMainThreadHandling, err)
		}
		switch v {
		case 0:
			cfg.MainThreadHandling = MainThreadUntouched
		case 1, 2:
			cfg.MainThreadHandling = MainThreadAsFirstWorker
		default:
			cfg.MainThreadHandling = MainThreadExplicitEntryPoint
			cfg.MainThreadEntryPoint = v
		}
	}

	return cfg, nil
}
