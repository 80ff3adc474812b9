//go:build !linux && !darwin

package sysmem

// totalSystemMemory reports failure on platforms without a detector,
// which makes Total() fall back to DefaultMemoryBytes.
func totalSystemMemory() (uint64, bool) {
	return 0, false
}
