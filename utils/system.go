package utils

import (
	"runtime"

	"go.uber.org/zap"
)

// MemFields reports the heap in MiB as log fields.
func MemFields() []zap.Field {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	// For info on each, see: https://golang.org/pkg/runtime/#MemStats
	mib := func(b uint64) uint64 { return b >> 20 }
	return []zap.Field{
		zap.Uint64("alloc_mib", mib(ms.Alloc)),
		zap.Uint64("total_alloc_mib", mib(ms.TotalAlloc)),
		zap.Uint64("sys_mib", mib(ms.Sys)),
		zap.Uint32("num_gc", ms.NumGC),
	}
}
