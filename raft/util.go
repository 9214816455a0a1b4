package raft

import "fmt"

func sprintf(format string, args ...interface{}) string { return fmt.Sprintf(format, args...) }

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
