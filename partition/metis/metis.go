// Package metis partitions the element dual graph with METIS. It is kept
// apart from package partition because it needs cgo and libmetis.
package metis

import (
	"fmt"

	metis "github.com/notargets/go-metis"

	"github.com/notargets/goadapt/partition"
)

// Config holds the METIS settings.
type Config struct {
	ImbalanceFactor float32 // e.g., 1.05 for 5% imbalance
	Objective       string  // "cut" or "vol"
}

func DefaultConfig() Config {
	return Config{
		ImbalanceFactor: 1.05,
		Objective:       "vol", // minimize communication volume
	}
}

// Partition splits the graph into np parts with k-way METIS.
func Partition(g *partition.Graph, np int, cfg Config) (epart []int, objval int32, err error) {
	epart = make([]int, g.NVertices())
	if np <= 1 || g.NVertices() == 0 {
		return
	}
	opts := make([]int32, metis.NoOptions)
	if err = metis.SetDefaultOptions(opts); err != nil {
		return nil, 0, fmt.Errorf("failed to set METIS options: %w", err)
	}
	if cfg.Objective == "vol" {
		opts[metis.OptionObjType] = metis.ObjTypeVol
	} else {
		opts[metis.OptionObjType] = metis.ObjTypeCut
	}
	var ubvec []float32
	if cfg.ImbalanceFactor > 1 {
		ubvec = []float32{cfg.ImbalanceFactor}
	}
	part, objval, err := metis.PartGraphKwayWeighted(
		g.Xadj, g.Adjncy, nil, nil,
		int32(np), nil, ubvec, opts,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("METIS partitioning failed: %w", err)
	}
	for i := range epart {
		epart[i] = int(part[i])
	}
	return
}
