package comm

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
)

type ReduceOp uint8

const (
	Sum ReduceOp = iota
	Max
	Min
)

// Message is the payload moved between two ranks in a single Exchange.
// Slices handed to Exchange are owned by the receiver afterwards.
type Message struct {
	Ints   []int
	Floats []float64
}

func (m Message) IsEmpty() bool {
	return len(m.Ints) == 0 && len(m.Floats) == 0
}

// Communicator is the message passing surface seen by one rank. Every method
// is collective: all ranks of the world must call it in the same order.
type Communicator interface {
	Rank() int
	Size() int
	Barrier()
	// Exchange delivers out[r] to rank r and returns what every other rank
	// addressed to this one, keyed by source. Empty messages are omitted.
	Exchange(out map[int]Message) (in map[int]Message)
	AllReduceFloat64(v float64, op ReduceOp) float64
	AllReduceInt(v int, op ReduceOp) int
	AllGatherInt(v int) []int
}

var ErrAborted = errors.New("communicator aborted")

// World is an in-process message passing world of NP ranks. Each ordered pair
// of ranks has its own buffered channel, so messages between a pair are
// delivered in the order they were posted.
type World struct {
	NP    int
	chans [][]chan Message // [from][to]
	done  chan struct{}
}

func NewWorld(NP int) (w *World) {
	if NP < 1 {
		panic(fmt.Errorf("world size must be positive, have %d", NP))
	}
	w = &World{
		NP:    NP,
		chans: make([][]chan Message, NP),
		done:  make(chan struct{}),
	}
	for from := 0; from < NP; from++ {
		w.chans[from] = make([]chan Message, NP)
		for to := 0; to < NP; to++ {
			if from != to {
				w.chans[from][to] = make(chan Message, 4)
			}
		}
	}
	return
}

// Abort releases every rank blocked in a collective. Those ranks panic with
// ErrAborted, which Run turns back into an error.
func (w *World) Abort() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

func (w *World) Comm(rank int) Communicator {
	if rank < 0 || rank >= w.NP {
		panic(fmt.Errorf("rank %d out of range [0,%d)", rank, w.NP))
	}
	return &worldComm{world: w, rank: rank}
}

// Self returns a single rank communicator.
func Self() Communicator {
	return NewWorld(1).Comm(0)
}

// Run executes fn once per rank, each on its own goroutine, and returns the
// first error. A failing rank aborts the world so the others cannot hang.
func Run(NP int, fn func(c Communicator) error) (err error) {
	var (
		w = NewWorld(NP)
		g errgroup.Group
	)
	for rank := 0; rank < NP; rank++ {
		rank := rank
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					if pe, ok := p.(error); ok && errors.Is(pe, ErrAborted) {
						err = fmt.Errorf("rank %d: %w", rank, ErrAborted)
					} else {
						err = fmt.Errorf("rank %d: panic: %v", rank, p)
					}
				}
				if err != nil {
					w.Abort()
				}
			}()
			return fn(w.Comm(rank))
		})
	}
	return g.Wait()
}

type worldComm struct {
	world *World
	rank  int
}

func (c *worldComm) Rank() int { return c.rank }
func (c *worldComm) Size() int { return c.world.NP }

func (c *worldComm) send(to int, msg Message) {
	select {
	case c.world.chans[c.rank][to] <- msg:
	case <-c.world.done:
		panic(ErrAborted)
	}
}

func (c *worldComm) recv(from int) (msg Message) {
	select {
	case msg = <-c.world.chans[from][c.rank]:
	case <-c.world.done:
		panic(ErrAborted)
	}
	return
}

func (c *worldComm) Exchange(out map[int]Message) (in map[int]Message) {
	var (
		NP = c.world.NP
	)
	for to := range out {
		if to < 0 || to >= NP {
			panic(fmt.Errorf("rank %d: exchange target %d out of range", c.rank, to))
		}
	}
	for to := 0; to < NP; to++ {
		if to != c.rank {
			c.send(to, out[to])
		}
	}
	in = make(map[int]Message)
	if msg, ok := out[c.rank]; ok && !msg.IsEmpty() {
		in[c.rank] = msg
	}
	for from := 0; from < NP; from++ {
		if from == c.rank {
			continue
		}
		if msg := c.recv(from); !msg.IsEmpty() {
			in[from] = msg
		}
	}
	return
}

func (c *worldComm) Barrier() {
	c.Exchange(nil)
}

func (c *worldComm) gatherFloat64(v float64) (vals []float64) {
	var (
		out = make(map[int]Message, c.world.NP)
	)
	for r := 0; r < c.world.NP; r++ {
		if r != c.rank {
			out[r] = Message{Floats: []float64{v}}
		}
	}
	in := c.Exchange(out)
	vals = make([]float64, c.world.NP)
	for r := range vals {
		if r == c.rank {
			vals[r] = v
			continue
		}
		vals[r] = in[r].Floats[0]
	}
	return
}

func (c *worldComm) AllGatherInt(v int) (vals []int) {
	var (
		out = make(map[int]Message, c.world.NP)
	)
	for r := 0; r < c.world.NP; r++ {
		if r != c.rank {
			out[r] = Message{Ints: []int{v}}
		}
	}
	in := c.Exchange(out)
	vals = make([]int, c.world.NP)
	for r := range vals {
		if r == c.rank {
			vals[r] = v
			continue
		}
		vals[r] = in[r].Ints[0]
	}
	return
}

// AllReduceFloat64 folds the per-rank values in rank order, so every rank
// gets a bitwise identical result.
func (c *worldComm) AllReduceFloat64(v float64, op ReduceOp) (res float64) {
	vals := c.gatherFloat64(v)
	res = vals[0]
	for _, x := range vals[1:] {
		switch op {
		case Sum:
			res += x
		case Max:
			res = math.Max(res, x)
		case Min:
			res = math.Min(res, x)
		}
	}
	return
}

func (c *worldComm) AllReduceInt(v int, op ReduceOp) (res int) {
	vals := c.AllGatherInt(v)
	res = vals[0]
	for _, x := range vals[1:] {
		switch op {
		case Sum:
			res += x
		case Max:
			res = max(res, x)
		case Min:
			res = min(res, x)
		}
	}
	return
}

// SortedRanks returns the keys of a message map in increasing order.
func SortedRanks(in map[int]Message) (ranks []int) {
	ranks = make([]int, 0, len(in))
	for r := range in {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	return
}
