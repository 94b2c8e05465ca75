package context

// Zone is a priority bucket grouping context sources for budget purposes.
type Zone string

const (
	ZoneIdentity      Zone = "identity"
	ZoneTruth         Zone = "truth"
	ZoneTaskState     Zone = "task_state"
	ZoneToolFailures  Zone = "tool_failures"
	ZoneMemoryWorking Zone = "memory_working"
	ZoneMemoryRecall  Zone = "memory_recall"
)

// zoneOrder is highest priority first.
var zoneOrder = []Zone{
	ZoneIdentity,
	ZoneTruth,
	ZoneTaskState,
	ZoneToolFailures,
	ZoneMemoryWorking,
	ZoneMemoryRecall,
}

var zoneIndex = func() map[Zone]int {
	index := make(map[Zone]int, len(zoneOrder))
	for i, zone := range zoneOrder {
		index[zone] = i
	}
	return index
}()

// Sources absent from this table, including skill sources and external
// recall, land in ZoneMemoryRecall.
var sourceZones = map[Source]Zone{
	SourceIdentity:      ZoneIdentity,
	SourceStaticTruth:   ZoneTruth,
	SourceDerivedFacts:  ZoneTruth,
	SourceTaskState:     ZoneTaskState,
	SourceToolFailures:  ZoneToolFailures,
	SourceWorkingMemory: ZoneMemoryWorking,
	SourceRecallMemory:  ZoneMemoryRecall,
}

// Zones returns every zone in priority order.
func Zones() []Zone {
	return append([]Zone(nil), zoneOrder...)
}

// ZoneForSource maps a source to its budget zone.
func ZoneForSource(source Source) Zone {
	if zone, ok := sourceZones[source]; ok {
		return zone
	}
	return ZoneMemoryRecall
}

// ZoneOrderIndex returns the zone's 0-based priority, or len(Zones()) for an
// unrecognized zone so it sorts last.
func ZoneOrderIndex(zone Zone) int {
	if idx, ok := zoneIndex[zone]; ok {
		return idx
	}
	return len(zoneOrder)
}
