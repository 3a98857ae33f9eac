package gen

import (
	"strconv"

	"github.com/google/uuid"
)

// IDGenerator produces run identifiers. Tests swap in deterministic ones.
type IDGenerator func() string

// RunID generates time-ordered UUIDv7 strings so run listings sort by creation.
func RunID() IDGenerator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Sequence returns a generator yielding prefix-1, prefix-2, ...
func Sequence(prefix string) IDGenerator {
	n := 0
	return func() string {
		n++
		return prefix + "-" + strconv.Itoa(n)
	}
}

func (g IDGenerator) Next() string {
	if g == nil {
		return uuid.Nil.String()
	}

	return g()
}
