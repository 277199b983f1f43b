//go:build !linux

package evidence

// FreeDiskBytes is a stub for non-Linux builds (tests, dev laptops). The
// appliance only ships on Linux.
func FreeDiskBytes(path string) (uint64, error) {
	return 1 << 40, nil
}
