package state

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MaxOpSize is the largest accepted operation payload in bytes.
const MaxOpSize = 64

// Verb names the mutation an Op performs.
type Verb string

// Supported verbs.
const (
	VerbSet Verb = "set"
	VerbAdd Verb = "add"
)

// Op is a parsed, self-contained mutation of the shared value.
type Op struct {
	Verb Verb
	Arg  int64
}

// ParseOp checks the size and shape of an operation payload.
// The accepted grammar is exactly "<verb> <int64>" with a single space.
func ParseOp(raw []byte) (Op, error) {
	if len(raw) == 0 {
		return Op{}, errors.Wrap(ErrInvalidOp, "empty op")
	}
	if len(raw) > MaxOpSize {
		return Op{}, errors.Wrapf(ErrInvalidOp, "op of %d bytes exceeds %d", len(raw), MaxOpSize)
	}
	verb, arg, ok := strings.Cut(string(raw), " ")
	if !ok {
		return Op{}, errors.Wrapf(ErrInvalidOp, "op %q has no argument", raw)
	}
	switch Verb(verb) {
	case VerbSet, VerbAdd:
	default:
		return Op{}, errors.Wrapf(ErrInvalidOp, "unknown verb %q", verb)
	}
	// strconv accepts a leading '+', which would give two encodings for one op.
	if strings.HasPrefix(arg, "+") {
		return Op{}, errors.Wrapf(ErrInvalidOp, "argument %q has a sign prefix", arg)
	}
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return Op{}, errors.Wrapf(ErrInvalidOp, "argument %q: %v", arg, err)
	}
	return Op{Verb: Verb(verb), Arg: n}, nil
}

// Apply folds the op into value. Addition wraps on overflow so that replay is total.
func (o Op) Apply(value int64) int64 {
	switch o.Verb {
	case VerbSet:
		return o.Arg
	case VerbAdd:
		return value + o.Arg
	default:
		return value
	}
}

func (o Op) String() string {
	return string(o.Verb) + " " + strconv.FormatInt(o.Arg, 10)
}

// Bytes returns the canonical wire form of the op.
func (o Op) Bytes() []byte {
	return []byte(o.String())
}
