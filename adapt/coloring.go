package adapt

import (
	"sort"

	"github.com/notargets/goadapt/comm"
	"github.com/notargets/goadapt/mesh"
)

const (
	notMovable = -2
	uncolored  = -1
)

// schedule splits the movable nodes of this rank into independent sets.
// Interior classes hold nodes whose whole 1-ring is owned here and may run
// without any exchange. Frontier classes are colored consistently across
// ranks, so class k of every rank can move at once; NFrontier is the same
// on every rank.
type schedule struct {
	Interior  [][]int
	Frontier  [][]int
	NFrontier int
}

func movable(m *mesh.Mesh, n int) bool {
	return m.NodeAlive(n) && m.IsOwned(n) && !m.IsBoundary(n)
}

// buildSchedule colors the local interior greedily in GNN order and the
// partition frontier by rounds of min-GNN independent sets with a halo
// exchange of the colors after each round. Collective.
func buildSchedule(m *mesh.Mesh) (s schedule, err error) {
	var (
		color    = make([]int, m.NNodes())
		interior []int
		frontier []int
	)
	for n := range color {
		color[n] = notMovable
		if !movable(m, n) {
			continue
		}
		inner := true
		for _, v := range m.NNList[n] {
			if !m.IsOwned(v) {
				inner = false
				break
			}
		}
		if inner {
			interior = append(interior, n)
		} else {
			frontier = append(frontier, n)
			color[n] = uncolored
		}
	}
	byGNN := func(ns []int) {
		sort.Slice(ns, func(i, j int) bool { return m.GNN[ns[i]] < m.GNN[ns[j]] })
	}
	byGNN(interior)
	byGNN(frontier)

	local := make(map[int]int, len(interior))
	for _, n := range interior {
		used := make(map[int]bool)
		for _, v := range m.NNList[n] {
			if c, ok := local[v]; ok {
				used[c] = true
			}
		}
		c := 0
		for used[c] {
			c++
		}
		local[n] = c
		for len(s.Interior) <= c {
			s.Interior = append(s.Interior, nil)
		}
		s.Interior[c] = append(s.Interior[c], n)
	}

	// A frontier node takes the round's color once no uncolored neighbour
	// has a lower GNN. Ghost colors come from their owners.
	if m.Comm.AllReduceInt(len(frontier), comm.Sum) == 0 {
		return
	}
	if e := m.SyncHaloInts(color); e != nil {
		err = e
	}
	for round := 0; ; round++ {
		var picked []int
		for _, n := range frontier {
			if color[n] != uncolored {
				continue
			}
			lowest := true
			for _, v := range m.NNList[n] {
				if color[v] == uncolored && m.GNN[v] < m.GNN[n] {
					lowest = false
					break
				}
			}
			if lowest {
				picked = append(picked, n)
			}
		}
		for _, n := range picked {
			color[n] = round
		}
		if len(picked) != 0 {
			s.Frontier = append(s.Frontier, make([][]int, round+1-len(s.Frontier))...)
			s.Frontier[round] = picked
		}
		if e := m.SyncHaloInts(color); e != nil && err == nil {
			err = e
		}
		left := 0
		for _, n := range frontier {
			if color[n] == uncolored {
				left++
			}
		}
		if m.Comm.AllReduceInt(left, comm.Sum) == 0 {
			s.NFrontier = round + 1
			break
		}
	}
	return
}

// frontierClass is this rank's share of global frontier color k.
func (s schedule) frontierClass(k int) []int {
	if k < len(s.Frontier) {
		return s.Frontier[k]
	}
	return nil
}
