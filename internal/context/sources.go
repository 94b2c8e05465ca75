package context

// Source names the provenance of a block of rendered context text.
type Source string

const (
	SourceIdentity          Source = "identity"
	SourceStaticTruth       Source = "static-truth"
	SourceDerivedFacts      Source = "derived-facts"
	SourceSkillCandidates   Source = "skill-candidates"
	SourceSkillDispatchGate Source = "skill-dispatch-gate"
	SourceTaskState         Source = "task-state"
	SourceToolFailures      Source = "tool-failures"
	SourceWorkingMemory     Source = "working-memory"
	SourceRecallMemory      Source = "recall-memory"
	SourceExternalRecall    Source = "external-recall"
)

var knownSources = []Source{
	SourceIdentity,
	SourceStaticTruth,
	SourceDerivedFacts,
	SourceSkillCandidates,
	SourceSkillDispatchGate,
	SourceTaskState,
	SourceToolFailures,
	SourceWorkingMemory,
	SourceRecallMemory,
	SourceExternalRecall,
}

// Degradable sources may be dropped under budget pressure without the turn
// being considered incomplete.
var degradableSources = map[Source]struct{}{
	SourceRecallMemory:   {},
	SourceExternalRecall: {},
}

// KnownSources returns the source catalog in declaration order.
func KnownSources() []Source {
	return append([]Source(nil), knownSources...)
}

// IsDegradable reports whether source may be shed when the budget is exhausted.
func IsDegradable(source Source) bool {
	_, ok := degradableSources[source]
	return ok
}
