//go:build !linux

package render0

func processRSSBytes() (uint64, bool) { return 0, false }
