package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fiftyUnits = 50_000_000

func weeklyPlan(stake uint64, freq uint8) *Plan {
	return &Plan{
		ID:              1,
		Owner:           "alice",
		Asset:           "USDC",
		Stake:           stake,
		NumberOfDays:    7,
		DailyFrequency:  freq,
		DurationMinutes: 20,
		StartAt:         0,
		EndAt:           7 * DaySeconds,
		Attestations:    []Attestation{},
	}
}

func withSessions(p *Plan, n int) *Plan {
	for i := 0; i < n; i++ {
		start := int64(i) * DaySeconds
		p.Attestations = append(p.Attestations, Attestation{Attester: p.Owner, StartedAt: start, EndedAt: start + 1800})
	}
	return p
}

func TestRewardPerSession_Truncates(t *testing.T) {
	perSession, err := RewardPerSession(weeklyPlan(fiftyUnits, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(7_142_857), perSession)
}

func TestAccrue_DoesNotMutateInput(t *testing.T) {
	p := weeklyPlan(fiftyUnits, 1)
	before, err := Digest(p)
	require.NoError(t, err)

	next, err := Accrue(p, Attestation{Attester: "alice", StartedAt: 10, EndedAt: 1810})
	require.NoError(t, err)

	after, err := Digest(p)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	assert.Len(t, next.Attestations, 1)
	assert.True(t, next.IsActive)
	assert.Equal(t, uint64(7_142_857), next.Rewards)
	assert.Empty(t, p.Attestations)
	assert.False(t, p.IsActive)
}

func TestAccrue_Overflow(t *testing.T) {
	p := weeklyPlan(fiftyUnits, 1)
	p.Rewards = ^uint64(0)
	_, err := Accrue(p, Attestation{Attester: "alice"})
	assert.ErrorIs(t, err, ErrArithmeticOverflow)
}

func TestSettle_FullSchedule(t *testing.T) {
	p := withSessions(weeklyPlan(fiftyUnits, 1), 7)
	p.IsActive = true
	p.Rewards = 7 * 7_142_857

	settled, err := Settle(p)
	require.NoError(t, err)
	assert.Equal(t, uint64(fiftyUnits), settled.Rewards)
	assert.Equal(t, uint64(0), settled.Penalties)
	assert.True(t, settled.IsCompleted)
	assert.False(t, settled.IsActive)
}

func TestSettle_PartialSchedule(t *testing.T) {
	p := withSessions(weeklyPlan(fiftyUnits, 1), 2)
	p.IsActive = true

	settled, err := Settle(p)
	require.NoError(t, err)
	assert.Equal(t, uint64(35_714_285), settled.Penalties)
	assert.Equal(t, uint64(14_285_715), settled.Rewards)
	assert.Equal(t, uint64(fiftyUnits), settled.Rewards+settled.Penalties)
}

func TestSettle_IgnoresRunningReward(t *testing.T) {
	p := withSessions(weeklyPlan(fiftyUnits, 2), 3)
	p.IsActive = true
	p.Rewards = 12345

	settled, err := Settle(p)
	require.NoError(t, err)
	perSession := uint64(fiftyUnits) / 14
	assert.Equal(t, perSession*11, settled.Penalties)
	assert.Equal(t, uint64(fiftyUnits)-perSession*11, settled.Rewards)
}

func TestSettle_ZeroSessionsIsOverflow(t *testing.T) {
	p := weeklyPlan(fiftyUnits, 1)
	p.DailyFrequency = 0
	_, err := Settle(p)
	assert.ErrorIs(t, err, ErrArithmeticOverflow)
}
