package context

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jsonx "ctxbudget/internal/shared/json"
)

func scenarioConfig() ZoneBudgetConfig {
	return ZoneBudgetConfig{
		ZoneIdentity:      {Min: 10, Max: 50},
		ZoneTruth:         {Min: 10, Max: 50},
		ZoneTaskState:     {Min: 0, Max: 100},
		ZoneToolFailures:  {Min: 0, Max: 100},
		ZoneMemoryWorking: {Min: 0, Max: 100},
		ZoneMemoryRecall:  {Min: 0, Max: 1000},
	}
}

func TestAllocateFillsFloorsThenRemainderInPriorityOrder(t *testing.T) {
	allocator := NewZoneBudgetAllocator(scenarioConfig())

	result := allocator.Allocate(AllocationRequest{
		TotalBudget: 100,
		ZoneDemands: map[Zone]float64{
			ZoneIdentity:     20,
			ZoneTruth:        30,
			ZoneMemoryRecall: 200,
		},
	})

	require.True(t, result.Accepted)
	assert.Empty(t, result.Reason)
	assert.Equal(t, 20, result.Granted(ZoneIdentity))
	assert.Equal(t, 30, result.Granted(ZoneTruth))
	assert.Equal(t, 50, result.Granted(ZoneMemoryRecall))
	assert.Equal(t, 0, result.Granted(ZoneTaskState))
	assert.Len(t, result.Zones, len(Zones()))
	assert.Equal(t, 100, result.Total())
}

func TestAllocateRejectsWhenFloorsExceedBudget(t *testing.T) {
	allocator := NewZoneBudgetAllocator(scenarioConfig())

	result := allocator.Allocate(AllocationRequest{
		TotalBudget: 15,
		ZoneDemands: map[Zone]float64{ZoneIdentity: 20, ZoneTruth: 30},
	})

	require.False(t, result.Accepted)
	assert.Equal(t, ReasonFloorUnmet, result.Reason)
	for _, zone := range Zones() {
		assert.Equal(t, 0, result.Granted(zone), "zone %s", zone)
	}
}

func TestAllocateZeroBudgetWithPositiveFloorIsRejected(t *testing.T) {
	allocator := NewZoneBudgetAllocator(scenarioConfig())

	result := allocator.Allocate(AllocationRequest{
		TotalBudget: 0,
		ZoneDemands: map[Zone]float64{ZoneIdentity: 1},
	})

	assert.False(t, result.Accepted)
	assert.Equal(t, ReasonFloorUnmet, result.Reason)
}

func TestAllocateNeverGrantsFloorWithoutDemand(t *testing.T) {
	allocator := NewZoneBudgetAllocator(scenarioConfig())

	result := allocator.Allocate(AllocationRequest{
		TotalBudget: 5,
		ZoneDemands: map[Zone]float64{ZoneMemoryRecall: 3},
	})

	require.True(t, result.Accepted)
	assert.Equal(t, 0, result.Granted(ZoneIdentity))
	assert.Equal(t, 0, result.Granted(ZoneTruth))
	assert.Equal(t, 3, result.Granted(ZoneMemoryRecall))
}

func TestAllocateClampsFloorToDemandAndCap(t *testing.T) {
	allocator := NewZoneBudgetAllocator(ZoneBudgetConfig{
		ZoneIdentity: {Min: 80, Max: 40},
		ZoneTruth:    {Min: 30, Max: 60},
	})

	result := allocator.Allocate(AllocationRequest{
		TotalBudget: 45,
		ZoneDemands: map[Zone]float64{ZoneIdentity: 100, ZoneTruth: 5},
	})

	// identity floor is bounded by its cap (40), truth floor by its demand (5).
	require.True(t, result.Accepted)
	assert.Equal(t, 40, result.Granted(ZoneIdentity))
	assert.Equal(t, 5, result.Granted(ZoneTruth))
}

func TestAllocateNormalizesMalformedInput(t *testing.T) {
	allocator := NewZoneBudgetAllocator(scenarioConfig())

	result := allocator.Allocate(AllocationRequest{
		TotalBudget: 60.9,
		ZoneDemands: map[Zone]float64{
			ZoneIdentity:      math.NaN(),
			ZoneTruth:         25.7,
			ZoneTaskState:     -12,
			ZoneToolFailures:  math.Inf(1),
			ZoneMemoryWorking: math.Inf(-1),
			ZoneMemoryRecall:  100,
		},
	})

	require.True(t, result.Accepted)
	assert.Equal(t, 0, result.Granted(ZoneIdentity))
	assert.Equal(t, 25, result.Granted(ZoneTruth))
	assert.Equal(t, 0, result.Granted(ZoneTaskState))
	assert.Equal(t, 0, result.Granted(ZoneToolFailures))
	assert.Equal(t, 0, result.Granted(ZoneMemoryWorking))
	assert.Equal(t, 35, result.Granted(ZoneMemoryRecall))
	assert.Equal(t, 60, result.Total())

	nanBudget := allocator.Allocate(AllocationRequest{
		TotalBudget: math.NaN(),
		ZoneDemands: map[Zone]float64{ZoneMemoryRecall: 10},
	})
	require.True(t, nanBudget.Accepted)
	assert.Equal(t, 0, nanBudget.Total())
}

func TestAllocateIgnoresNegativeConfiguredLimits(t *testing.T) {
	allocator := NewZoneBudgetAllocator(ZoneBudgetConfig{
		ZoneIdentity: {Min: -10, Max: -5},
	})
	assert.Equal(t, ZoneLimit{}, allocator.Limit(ZoneIdentity))

	result := allocator.Allocate(AllocationRequest{
		TotalBudget: 10,
		ZoneDemands: map[Zone]float64{ZoneIdentity: 10},
	})
	require.True(t, result.Accepted)
	assert.Equal(t, 0, result.Granted(ZoneIdentity))
}

func TestAllocateHigherPriorityZoneIsFilledFirst(t *testing.T) {
	allocator := NewZoneBudgetAllocator(scenarioConfig())

	result := allocator.Allocate(AllocationRequest{
		TotalBudget: 70,
		ZoneDemands: map[Zone]float64{
			ZoneTaskState:     60,
			ZoneMemoryWorking: 60,
		},
	})

	require.True(t, result.Accepted)
	assert.Equal(t, 60, result.Granted(ZoneTaskState))
	assert.Equal(t, 10, result.Granted(ZoneMemoryWorking))
}

func TestAllocateProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 500; iter++ {
		cfg := ZoneBudgetConfig{}
		for _, zone := range Zones() {
			lo := rng.Intn(60)
			hi := rng.Intn(400)
			cfg[zone] = ZoneLimit{Min: lo, Max: hi}
		}
		demands := map[Zone]float64{}
		for _, zone := range Zones() {
			if rng.Intn(4) == 0 {
				continue
			}
			demands[zone] = float64(rng.Intn(500))
		}
		total := rng.Intn(1200)

		allocator := NewZoneBudgetAllocator(cfg)
		result := allocator.Allocate(AllocationRequest{TotalBudget: float64(total), ZoneDemands: demands})

		floorSum := 0
		cappedDemand := 0
		for _, zone := range Zones() {
			demand := int(demands[zone])
			if demand > 0 {
				floorSum += minInt(demand, minInt(cfg[zone].Min, cfg[zone].Max))
			}
			cappedDemand += minInt(demand, cfg[zone].Max)
		}

		if floorSum > total {
			require.False(t, result.Accepted, "iteration %d", iter)
			require.Equal(t, ReasonFloorUnmet, result.Reason)
			require.Equal(t, 0, result.Total())
			continue
		}

		require.True(t, result.Accepted, "iteration %d", iter)
		for _, zone := range Zones() {
			granted := result.Granted(zone)
			require.LessOrEqual(t, granted, cfg[zone].Max, "cap exceeded for %s", zone)
			require.LessOrEqual(t, granted, int(demands[zone]), "demand exceeded for %s", zone)
		}
		require.LessOrEqual(t, result.Total(), total)
		if cappedDemand >= total {
			require.Equal(t, total, result.Total(), "iteration %d should exhaust the budget", iter)
		}

		// Once a zone is left under-served, no lower-priority zone may have
		// received more than its floor.
		starvedAt := -1
		for idx, zone := range Zones() {
			demand := int(demands[zone])
			want := minInt(demand, cfg[zone].Max)
			if starvedAt >= 0 && demand > 0 {
				floor := minInt(demand, minInt(cfg[zone].Min, cfg[zone].Max))
				require.Equal(t, floor, result.Granted(zone), "zone %s got remainder after starved zone %d", zone, starvedAt)
			}
			if starvedAt < 0 && result.Granted(zone) < want {
				starvedAt = idx
			}
		}
	}
}

func TestAllocationResultMarshalJSONFlattensZones(t *testing.T) {
	allocator := NewZoneBudgetAllocator(scenarioConfig())
	accepted := allocator.Allocate(AllocationRequest{
		TotalBudget: 100,
		ZoneDemands: map[Zone]float64{ZoneIdentity: 20},
	})

	raw, err := jsonx.Marshal(accepted)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, jsonx.Unmarshal(raw, &decoded))
	assert.Equal(t, true, decoded["accepted"])
	assert.Equal(t, 20.0, decoded["identity"])
	assert.Equal(t, 0.0, decoded["memory_recall"])
	assert.NotContains(t, decoded, "reason")

	rejected := allocator.Allocate(AllocationRequest{
		TotalBudget: 1,
		ZoneDemands: map[Zone]float64{ZoneIdentity: 20},
	})
	raw, err = jsonx.Marshal(rejected)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"reason":"floor_unmet"`)
}
