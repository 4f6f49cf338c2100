// Package types defines the core data structures for the Strata memory layer.
// These types represent memory items, their semantic classification, and the
// annotated result shapes returned by multi-store searches.
package types

// MemoryType classifies the semantic kind of a memory item. The type is
// assigned once at store time and is immutable afterwards; it determines
// which durable layer owns the item.
type MemoryType string

// Layer names one of the three durable storage layers.
type Layer string

// Memory type constants. Each maps to exactly one durable layer.
const (
	// MemoryTypeContext holds active working-context snippets.
	MemoryTypeContext MemoryType = "CONTEXT"

	// MemoryTypeConversation holds dialogue turns from the current session.
	MemoryTypeConversation MemoryType = "CONVERSATION"

	// MemoryTypeTaskHistory holds records of completed or attempted tasks.
	MemoryTypeTaskHistory MemoryType = "TASK_HISTORY"

	// MemoryTypeErrorLog holds captured failures and diagnostics.
	MemoryTypeErrorLog MemoryType = "ERROR_LOG"

	// MemoryTypeKnowledge holds distilled facts and learned knowledge.
	MemoryTypeKnowledge MemoryType = "KNOWLEDGE"

	// MemoryTypeDocumentation holds reference material and documentation.
	MemoryTypeDocumentation MemoryType = "DOCUMENTATION"
)

// Layer constants, ordered from most volatile to most durable.
const (
	// LayerShortTerm holds contextual, session-scoped items.
	LayerShortTerm Layer = "short_term"

	// LayerEpisodic holds historical records of what happened.
	LayerEpisodic Layer = "episodic"

	// LayerSemantic holds long-lived knowledge.
	LayerSemantic Layer = "semantic"
)

// ValidMemoryTypes is a slice of all valid memory types for validation.
var ValidMemoryTypes = []MemoryType{
	MemoryTypeContext,
	MemoryTypeConversation,
	MemoryTypeTaskHistory,
	MemoryTypeErrorLog,
	MemoryTypeKnowledge,
	MemoryTypeDocumentation,
}

// ValidLayers is a slice of all valid layer names for validation.
var ValidLayers = []Layer{
	LayerShortTerm,
	LayerEpisodic,
	LayerSemantic,
}

// IsValidMemoryType checks if the given memory type is one of the known values.
func IsValidMemoryType(mt MemoryType) bool {
	for _, valid := range ValidMemoryTypes {
		if valid == mt {
			return true
		}
	}
	return false
}

// IsValidLayer checks if the given layer name is one of the known values.
func IsValidLayer(l Layer) bool {
	for _, valid := range ValidLayers {
		if valid == l {
			return true
		}
	}
	return false
}
