package mesh

import "fmt"

// ArrayKind selects the storage of an attribute array
type ArrayKind uint8

const (
	Float64 ArrayKind = iota
	Int64
)

func (k ArrayKind) String() string {
	switch k {
	case Float64:
		return "float64"
	case Int64:
		return "int64"
	}
	return fmt.Sprintf("ArrayKind(%d)", uint8(k))
}

// Array is an attribute array holding Components values per tuple. Exactly
// one of Floats or Ints is used, depending on Kind.
type Array struct {
	Kind       ArrayKind
	Components int
	Floats     []float64
	Ints       []int64
}

// NewFloatArray wraps values as a float64 array
func NewFloatArray(components int, values ...float64) *Array {
	return &Array{Kind: Float64, Components: components, Floats: values}
}

// NewIntArray wraps values as an int64 array
func NewIntArray(components int, values ...int64) *Array {
	return &Array{Kind: Int64, Components: components, Ints: values}
}

// NumTuples returns the number of tuples stored
func (a *Array) NumTuples() int {
	if a.Components <= 0 {
		return 0
	}
	return a.numValues() / a.Components
}

func (a *Array) numValues() int {
	if a.Kind == Int64 {
		return len(a.Ints)
	}
	return len(a.Floats)
}

// emptyLike returns an empty array with the same kind and component count
func (a *Array) emptyLike(capTuples int) *Array {
	out := &Array{Kind: a.Kind, Components: a.Components}
	switch a.Kind {
	case Int64:
		out.Ints = make([]int64, 0, capTuples*a.Components)
	default:
		out.Floats = make([]float64, 0, capTuples*a.Components)
	}
	return out
}

// appendTuple copies tuple i of src onto a
func (a *Array) appendTuple(src *Array, i int) {
	lo, hi := i*a.Components, (i+1)*a.Components
	switch a.Kind {
	case Int64:
		a.Ints = append(a.Ints, src.Ints[lo:hi]...)
	default:
		a.Floats = append(a.Floats, src.Floats[lo:hi]...)
	}
}

// appendZeros appends n zero tuples
func (a *Array) appendZeros(n int) {
	switch a.Kind {
	case Int64:
		a.Ints = append(a.Ints, make([]int64, n*a.Components)...)
	default:
		a.Floats = append(a.Floats, make([]float64, n*a.Components)...)
	}
}

// compatible reports whether tuples of b may be appended to a
func (a *Array) compatible(b *Array) bool {
	return a.Kind == b.Kind && a.Components == b.Components
}

func (a *Array) validate(numTuples int) error {
	if a.Components <= 0 {
		return fmt.Errorf("%w: %d components", ErrInvalidState, a.Components)
	}
	switch a.Kind {
	case Float64:
		if len(a.Ints) != 0 {
			return fmt.Errorf("%w: float64 array carries int values", ErrInvalidState)
		}
	case Int64:
		if len(a.Floats) != 0 {
			return fmt.Errorf("%w: int64 array carries float values", ErrInvalidState)
		}
	default:
		return fmt.Errorf("%w: unknown array kind %d", ErrInvalidState, a.Kind)
	}
	if n := a.numValues(); n != numTuples*a.Components {
		return fmt.Errorf("%w: %d values, want %d tuples x %d components",
			ErrInvalidState, n, numTuples, a.Components)
	}
	return nil
}

// Clone returns a deep copy
func (a *Array) Clone() *Array {
	return &Array{
		Kind:       a.Kind,
		Components: a.Components,
		Floats:     append([]float64(nil), a.Floats...),
		Ints:       append([]int64(nil), a.Ints...),
	}
}
