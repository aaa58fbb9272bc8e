// Package merge decides what survives when a remote version of a thought or
// lexeme meets the local one.
package merge

import (
	"github.com/cybersemics/em-sub013/domain/core/entities"
)

// Resolver merges two versions of the same entity. The returned bool is true
// when both versions were already identical. Implementations must be
// commutative: swapping local and remote yields the same merged value.
type Resolver interface {
	MergeThought(local, remote *entities.Thought) (*entities.Thought, bool)
	MergeLexeme(local, remote *entities.Lexeme) (*entities.Lexeme, bool)
}
