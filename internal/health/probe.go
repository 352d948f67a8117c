package health

import (
	"context"
	"runtime"
	"time"

	"github.com/ternarybob/atlascodex/internal/modelrouter"
)

// TierProbeResult is one tier's synthetic-prompt round trip.
type TierProbeResult struct {
	Tier    modelrouter.Tier
	Latency time.Duration
	OK      bool
	Error   string
}

// Probe is the aggregate health snapshot taken on the probe schedule.
type Probe struct {
	TakenAt      time.Time
	StoreLatency time.Duration
	StoreOK      bool
	Tiers        []TierProbeResult
	HeapAllocMB  float64
	Uptime       time.Duration
	MonthlyCost  float64
	BudgetLimit  float64
	Degraded     bool
}

const probePrompt = "Reply with the single word: ok."

// runProbe measures store latency, round-trips one synthetic prompt per
// model tier, and samples process heap/uptime. It never returns an error:
// a failing sub-check is recorded in the Probe and folds into Degraded.
func (m *Monitor) runProbe(ctx context.Context) Probe {
	probe := Probe{TakenAt: time.Now(), Uptime: time.Since(m.startedAt), BudgetLimit: m.cfg.MonthlyBudgetLimit}

	storeStart := time.Now()
	_, err := m.store.CountByStatus(ctx, "")
	probe.StoreLatency = time.Since(storeStart)
	probe.StoreOK = err == nil

	for _, tier := range []modelrouter.Tier{modelrouter.TierLowest, modelrouter.TierMid, modelrouter.TierHighest} {
		probe.Tiers = append(probe.Tiers, m.probeTier(ctx, tier))
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	probe.HeapAllocMB = float64(mem.HeapAlloc) / (1024 * 1024)

	m.mu.Lock()
	probe.MonthlyCost = m.monthlyCost
	m.mu.Unlock()

	probe.Degraded = !probe.StoreOK || probe.anyTierDown() || (probe.BudgetLimit > 0 && probe.MonthlyCost >= probe.BudgetLimit)
	return probe
}

func (p Probe) anyTierDown() bool {
	for _, t := range p.Tiers {
		if !t.OK {
			return true
		}
	}
	return false
}

func (m *Monitor) probeTier(ctx context.Context, tier modelrouter.Tier) TierProbeResult {
	cfg := m.router.BoundTier(tier, "")

	start := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := m.router.Generate(probeCtx, modelrouter.Request{
		UserPrompt: probePrompt,
		Tier:       cfg,
	})
	result := TierProbeResult{Tier: tier, Latency: time.Since(start), OK: err == nil}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// RecordCost adds an estimated call cost to the running monthly total. No
// model-call path in the module calls it, so the total only moves when a
// caller records a cost explicitly.
func (m *Monitor) RecordCost(cost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monthlyCost += cost
}

// ResetMonthlyCost zeroes the running cost counter. The probe does not call
// it; the total is not reset at the start of a calendar month.
func (m *Monitor) ResetMonthlyCost() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monthlyCost = 0
}
