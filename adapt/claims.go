package adapt

import (
	"sort"

	"github.com/notargets/goadapt/comm"
	"github.com/notargets/goadapt/mesh"
)

// claimKey orders competing proposals; the lower key wins every node it
// shares with another proposal.
type claimKey [3]int

func (k claimKey) less(o claimKey) bool {
	for i := range k {
		if k[i] != o[i] {
			return k[i] < o[i]
		}
	}
	return false
}

// proposal is a local rewrite that needs exclusive use of a set of nodes.
type proposal struct {
	key     claimKey
	subject int   // Global node whose holders vote, -1 for no vote
	target  int   // Global node whose owner may veto, -1 for none
	claims  []int // Global nodes locked by the rewrite
	patch   *mesh.Patch
	dest    []int // Ranks that must receive the patch
	vetoed  bool
}

// validator lets the owner of a proposal's target veto it using the star of
// the target, which only the owner holds in full.
type validator func(m *mesh.Mesh, subject, target int, claims []int) bool

// Ballots
const (
	veto   = -1
	lost   = 0
	accept = 1
)

type claimMap map[int]claimKey

func (cm claimMap) offer(key claimKey, claims []int) {
	for _, g := range claims {
		if cur, ok := cm[g]; !ok || key.less(cur) {
			cm[g] = key
		}
	}
}

func (cm claimMap) owns(key claimKey, claims []int) bool {
	for _, g := range claims {
		if cur, ok := cm[g]; ok && cur != key {
			return false
		}
	}
	return true
}

// negotiate picks a globally independent subset of the proposals of all
// ranks. Each proposal is sent to every holder of a node it claims, so any
// two proposals sharing a node are seen together by both proposers. A node
// goes to the lowest key claiming it and a proposal wins if it gets all of
// its nodes. With voting, the holders of the subject node confirm the
// outcome; a lost vote means the ranks saw different proposal sets. A voter
// owning the target also runs valid and vetoes the proposal if it fails.
// Collective.
func negotiate(m *mesh.Mesh, props []*proposal, vote bool, valid validator) (won []bool, rejected Tally) {
	var (
		rank = m.Rank()
		out  = make(map[int]*comm.Packer)
		cm   = make(claimMap)
	)
	for _, p := range props {
		cm.offer(p.key, p.claims)
		seen := make(map[int]bool)
		for _, g := range p.claims {
			n, _ := m.Local(g)
			for _, r := range m.Sharers[n] {
				if r == rank || seen[r] {
					continue
				}
				seen[r] = true
				pk, ok := out[r]
				if !ok {
					pk = &comm.Packer{}
					out[r] = pk
				}
				pk.Int(p.key[:]...)
				pk.Int(p.subject, p.target)
				pk.IntList(p.claims)
			}
		}
	}
	in := m.Comm.Exchange(packed(out))

	type remote struct {
		from    int
		key     claimKey
		subject int
		target  int
		claims  []int
	}
	var others []remote
	for _, from := range comm.SortedRanks(in) {
		u := comm.NewUnpacker(in[from])
		for u.More() {
			var rp remote
			rp.from = from
			for i := range rp.key {
				rp.key[i] = u.Int()
			}
			rp.subject, rp.target = u.Int(), u.Int()
			rp.claims = u.IntList()
			if u.Err() != nil {
				rejected.Add(HaloInconsistency, 1)
				break
			}
			cm.offer(rp.key, rp.claims)
			others = append(others, rp)
		}
	}

	won = make([]bool, len(props))
	for i, p := range props {
		won[i] = cm.owns(p.key, p.claims)
	}
	if !vote {
		return
	}

	ballots := make(map[int]*comm.Packer)
	for _, rp := range others {
		if _, held := m.Local(rp.subject); !held {
			continue
		}
		ballot := lost
		if cm.owns(rp.key, rp.claims) {
			ballot = accept
		}
		if t, ok := m.Local(rp.target); ok && valid != nil && m.IsOwned(t) &&
			!valid(m, rp.subject, rp.target, rp.claims) {
			ballot = veto
		}
		pk, ok := ballots[rp.from]
		if !ok {
			pk = &comm.Packer{}
			ballots[rp.from] = pk
		}
		pk.Int(rp.key[:]...)
		pk.Int(ballot)
	}
	back := m.Comm.Exchange(packed(ballots))
	votes := make(map[claimKey][]int)
	for _, from := range comm.SortedRanks(back) {
		u := comm.NewUnpacker(back[from])
		for u.More() {
			var key claimKey
			for i := range key {
				key[i] = u.Int()
			}
			ballot := u.Int()
			if u.Err() != nil {
				rejected.Add(HaloInconsistency, 1)
				break
			}
			votes[key] = append(votes[key], ballot)
		}
	}
	for i, p := range props {
		if !won[i] {
			continue
		}
		n, _ := m.Local(p.subject)
		var (
			expected = len(m.Sharers[n]) - 1
			got      = votes[p.key]
			kind     = HaloInconsistency
			ok       = len(got) == expected
		)
		for _, v := range got {
			if v == veto {
				kind = TopologyViolation
			}
			if v != accept {
				ok = false
			}
		}
		if !ok {
			won[i] = false
			p.vetoed = kind == TopologyViolation
			rejected.Add(kind, 1)
		}
	}
	return
}

func containsSorted(list []int, v int) bool {
	i := sort.SearchInts(list, v)
	return i < len(list) && list[i] == v
}

func packed(pks map[int]*comm.Packer) (out map[int]comm.Message) {
	out = make(map[int]comm.Message, len(pks))
	for r, pk := range pks {
		out[r] = pk.Msg
	}
	return
}

// commit applies the winning patches here and on every rank named in their
// destinations, then rebuilds the halo. Collective.
func commit(m *mesh.Mesh, props []*proposal, won []bool) (applied int, err error) {
	var (
		patches []*mesh.Patch
		dests   [][]int
	)
	for i, p := range props {
		if !won[i] {
			continue
		}
		if _, e := m.ApplyPatch(p.patch); e != nil && err == nil {
			err = e
		}
		patches = append(patches, p.patch)
		dests = append(dests, p.dest)
		applied++
	}
	if _, e := m.SendPatches(patches, dests); e != nil && err == nil {
		err = e
	}
	if e := m.RebuildHalo(); e != nil && err == nil {
		err = e
	}
	if e := m.UpdateNodeTags(); e != nil && err == nil {
		err = e
	}
	return
}

// sharersOf is the sorted union of the sharers of the given local nodes.
func sharersOf(m *mesh.Mesh, nodes ...int) (ranks []int) {
	seen := make(map[int]bool)
	for _, n := range nodes {
		for _, r := range m.Sharers[n] {
			if !seen[r] {
				seen[r] = true
				ranks = append(ranks, r)
			}
		}
	}
	return
}
