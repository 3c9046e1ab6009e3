package mesh

import "errors"

var (
	// ErrMalformedMesh marks input or state that breaks the mesh invariants.
	ErrMalformedMesh = errors.New("malformed mesh")
	// ErrHaloInconsistency marks ranks disagreeing about shared entities.
	ErrHaloInconsistency = errors.New("halo inconsistency")
)
