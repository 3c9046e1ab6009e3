package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemFields(t *testing.T) {
	fields := MemFields()
	var keys []string
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	assert.Equal(t, []string{"alloc_mib", "total_alloc_mib", "sys_mib", "num_gc"}, keys)
}
