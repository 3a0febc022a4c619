//go:build property
// +build property

package plan

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func scheduledPlan(stake uint64, days, freq uint8, completed int) *Plan {
	p := weeklyPlan(stake, freq)
	p.NumberOfDays = days
	p.EndAt = int64(days) * DaySeconds
	for i := 0; i < completed; i++ {
		p.Attestations = append(p.Attestations, Attestation{Attester: p.Owner})
	}
	return p
}

// TestSettleConservesStake verifies settlement never creates or destroys stake.
// Property: rewards + penalties == stake for any schedule and completion count
func TestSettleConservesStake(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("rewards and penalties sum to the stake", prop.ForAll(
		func(stake uint64, days, freq uint8, ratio float64) bool {
			total := int(days) * int(freq)
			completed := int(ratio * float64(total))
			settled, err := Settle(scheduledPlan(stake, days, freq, completed))
			if err != nil {
				return false
			}
			return settled.Rewards+settled.Penalties == stake &&
				settled.IsCompleted && !settled.IsActive
		},
		gen.UInt64Range(10*1_000_000, 500*1_000_000),
		gen.UInt8Range(MinNumberOfDays, MaxNumberOfDays),
		gen.UInt8Range(MinDailyFrequency, MaxDailyFrequency),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

// TestAccrueNeverExceedsStake verifies the running reward stays within the stake.
// Property: after k <= total accruals, rewards == k * (stake / total) <= stake
func TestAccrueNeverExceedsStake(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("running reward is bounded by the stake", prop.ForAll(
		func(stake uint64, days, freq uint8) bool {
			p := scheduledPlan(stake, days, freq, 0)
			total := p.TotalSessions()
			for k := uint64(1); k <= total; k++ {
				next, err := Accrue(p, Attestation{Attester: p.Owner})
				if err != nil {
					return false
				}
				if next.Rewards != k*(stake/total) || next.Rewards > stake {
					return false
				}
				p = next
			}
			return uint64(len(p.Attestations)) == total
		},
		gen.UInt64Range(10*1_000_000, 500*1_000_000),
		gen.UInt8Range(MinNumberOfDays, MaxNumberOfDays),
		gen.UInt8Range(MinDailyFrequency, MaxDailyFrequency),
	))

	properties.TestingRun(t)
}

// TestPenaltyMonotone verifies that attesting more never raises the penalty.
// Property: penalties(k+1) <= penalties(k)
func TestPenaltyMonotone(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("penalties fall as attestations grow", prop.ForAll(
		func(stake uint64, days, freq uint8) bool {
			total := int(days) * int(freq)
			prev := stake + 1
			for k := 0; k <= total; k++ {
				settled, err := Settle(scheduledPlan(stake, days, freq, k))
				if err != nil || settled.Penalties > prev {
					return false
				}
				prev = settled.Penalties
			}
			return prev == 0
		},
		gen.UInt64Range(10*1_000_000, 500*1_000_000),
		gen.UInt8Range(MinNumberOfDays, MaxNumberOfDays),
		gen.UInt8Range(MinDailyFrequency, MaxDailyFrequency),
	))

	properties.TestingRun(t)
}
