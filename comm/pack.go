package comm

import "fmt"

// Packer appends typed fields to a Message.
type Packer struct {
	Msg Message
}

func (p *Packer) Int(v ...int) {
	p.Msg.Ints = append(p.Msg.Ints, v...)
}

// IntList writes a length prefixed list.
func (p *Packer) IntList(v []int) {
	p.Msg.Ints = append(p.Msg.Ints, len(v))
	p.Msg.Ints = append(p.Msg.Ints, v...)
}

func (p *Packer) Float(v ...float64) {
	p.Msg.Floats = append(p.Msg.Floats, v...)
}

// Unpacker reads back what a Packer wrote. Reading past the end records an
// error and yields zero values from then on.
type Unpacker struct {
	msg    Message
	ii, fi int
	err    error
}

func NewUnpacker(msg Message) *Unpacker {
	return &Unpacker{msg: msg}
}

func (u *Unpacker) Int() (v int) {
	if u.err != nil {
		return
	}
	if u.ii >= len(u.msg.Ints) {
		u.err = fmt.Errorf("short int section: need index %d, have %d", u.ii, len(u.msg.Ints))
		return
	}
	v = u.msg.Ints[u.ii]
	u.ii++
	return
}

func (u *Unpacker) Ints(n int) (v []int) {
	if u.err != nil {
		return
	}
	if n < 0 || u.ii+n > len(u.msg.Ints) {
		u.err = fmt.Errorf("short int section: need %d at %d, have %d", n, u.ii, len(u.msg.Ints))
		return
	}
	v = u.msg.Ints[u.ii : u.ii+n]
	u.ii += n
	return
}

func (u *Unpacker) IntList() []int {
	return u.Ints(u.Int())
}

func (u *Unpacker) Floats(n int) (v []float64) {
	if u.err != nil {
		return
	}
	if n < 0 || u.fi+n > len(u.msg.Floats) {
		u.err = fmt.Errorf("short float section: need %d at %d, have %d", n, u.fi, len(u.msg.Floats))
		return
	}
	v = u.msg.Floats[u.fi : u.fi+n]
	u.fi += n
	return
}

// More reports whether unread ints remain.
func (u *Unpacker) More() bool {
	return u.err == nil && u.ii < len(u.msg.Ints)
}

func (u *Unpacker) Err() error { return u.err }
