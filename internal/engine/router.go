package engine

import (
	"fmt"

	"github.com/stratamem/strata/internal/storage"
	"github.com/stratamem/strata/pkg/types"
)

// ClassificationError reports a memory type that cannot be routed to a
// durable layer. Unknown types fail the store call outright; silently
// defaulting would let data land in an unintended layer.
type ClassificationError struct {
	MemoryType types.MemoryType
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("no layer for memory type %q", e.MemoryType)
}

// Is marks classification failures as invalid arguments, so callers can test
// errors.Is(err, storage.ErrInvalidInput) without a type assertion.
func (e *ClassificationError) Is(target error) bool {
	return target == storage.ErrInvalidInput
}

// Classify maps a memory type to the durable layer that owns it.
func Classify(mt types.MemoryType) (types.Layer, error) {
	switch mt {
	case types.MemoryTypeContext, types.MemoryTypeConversation:
		return types.LayerShortTerm, nil
	case types.MemoryTypeTaskHistory, types.MemoryTypeErrorLog:
		return types.LayerEpisodic, nil
	case types.MemoryTypeKnowledge, types.MemoryTypeDocumentation:
		return types.LayerSemantic, nil
	}
	return "", &ClassificationError{MemoryType: mt}
}

// TypesForLayer returns the memory types routed to the given layer. Layer
// listings filter on these, so an adapter serving several layers reports
// each layer's items separately.
func TypesForLayer(layer types.Layer) []types.MemoryType {
	var out []types.MemoryType
	for _, mt := range types.ValidMemoryTypes {
		if l, err := Classify(mt); err == nil && l == layer {
			out = append(out, mt)
		}
	}
	return out
}
