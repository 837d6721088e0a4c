package graph

import (
	"errors"
	"fmt"

	"github.com/joshband/copy-that/internal/types"
)

var (
	// ErrGraphFrozen is returned when mutating a published graph
	ErrGraphFrozen = errors.New("graph is published and cannot be modified")

	// ErrNodeNotFound is returned when an id does not name a node.
	// It matches types.ErrDanglingReference.
	ErrNodeNotFound = fmt.Errorf("%w: node not found", types.ErrDanglingReference)

	// ErrDuplicateNode is returned when adding a token whose id already exists
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrInvalidEdge is returned for an edge whose endpoints have the wrong categories
	ErrInvalidEdge = errors.New("invalid edge for node categories")

	// ErrCyclicAlias is returned when an alias chain does not terminate
	ErrCyclicAlias = types.ErrCyclicAlias
)
