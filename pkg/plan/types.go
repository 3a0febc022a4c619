// Package plan implements staked habit plans: a participant locks a stake, commits to a
// schedule of timed sessions, attests sessions as they happen, and settles the stake
// when the schedule is satisfied or the plan window has passed.
package plan

import (
	"fmt"
)

const (
	// DaySeconds is the length of one schedule day. Day windows are anchored to StartAt,
	// not to calendar midnight.
	DaySeconds int64 = 24 * 60 * 60

	MinNumberOfDays   = 7
	MaxNumberOfDays   = 30
	MinDailyFrequency = 1
	MaxDailyFrequency = 4
	MinDurationMinute = 5
	MaxDurationMinute = 60

	// Stake bounds in whole units of the recognised asset.
	MinStakeUnits = 10
	MaxStakeUnits = 500

	// MaxSessionSeconds caps the length of a single attested session.
	MaxSessionSeconds int64 = 8 * 60 * 60

	// MaxAttestations is the largest attestation sequence any valid schedule can hold.
	MaxAttestations = MaxNumberOfDays * MaxDailyFrequency

	// MaxAssetDecimals keeps MaxStakeUnits of the asset within uint64.
	MaxAssetDecimals = 16
)

// Identity is the verified identity of a caller. It is opaque to this package.
type Identity string

// Key addresses one plan record.
type Key struct {
	Owner Identity `json:"owner"`
	ID    uint64   `json:"id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Owner, k.ID)
}

// Asset describes the single asset stakes are denominated in.
type Asset struct {
	ID       string `json:"id" yaml:"id"`
	Decimals uint8  `json:"decimals" yaml:"decimals"`
}

// Unit returns the number of minor units in one whole unit of the asset.
func (a Asset) Unit() uint64 {
	u := uint64(1)
	for i := uint8(0); i < a.Decimals; i++ {
		u *= 10
	}
	return u
}

// Attestation is a claimed session. Immutable once appended to a plan.
type Attestation struct {
	Attester  Identity `json:"attester"`
	StartedAt int64    `json:"started_at"`
	EndedAt   int64    `json:"ended_at"`
}

// Plan is the persisted record of one staked schedule.
type Plan struct {
	ID              uint64   `json:"id"`
	Owner           Identity `json:"owner"`
	Asset           string   `json:"asset"`
	Stake           uint64   `json:"stake"`
	NumberOfDays    uint8    `json:"number_of_days"`
	DailyFrequency  uint8    `json:"daily_frequency"`
	DurationMinutes uint8    `json:"duration_minutes"`
	StartAt         int64    `json:"start_at"`
	EndAt           int64    `json:"end_at"`
	IsActive        bool     `json:"is_active"`
	IsCompleted     bool     `json:"is_completed"`
	Rewards         uint64   `json:"rewards"`
	Penalties       uint64   `json:"penalties"`

	Attestations []Attestation `json:"attestations"`

	// ReleaseCapability authorises release of the plan's locked balance.
	// Issued by the vault at lock time and only ever presented back to it.
	ReleaseCapability string `json:"release_capability"`
}

// Key returns the storage key of the plan.
func (p *Plan) Key() Key {
	return Key{Owner: p.Owner, ID: p.ID}
}

// TotalSessions is the number of sessions a fully satisfied schedule contains.
func (p *Plan) TotalSessions() uint64 {
	return uint64(p.NumberOfDays) * uint64(p.DailyFrequency)
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Attestations = make([]Attestation, len(p.Attestations), cap(p.Attestations))
	copy(c.Attestations, p.Attestations)
	return &c
}

// CreateParams are the caller-supplied arguments of Create.
type CreateParams struct {
	ID              uint64
	NumberOfDays    uint8
	DailyFrequency  uint8
	DurationMinutes uint8
	Stake           uint64
	Asset           string
}

// Settlement summarises a completed plan.
type Settlement struct {
	ReceiptID string `json:"receipt_id"`
	Key       Key    `json:"key"`
	SettledAt int64  `json:"settled_at"`
	Rewards   uint64 `json:"rewards"`
	Penalties uint64 `json:"penalties"`
	Released  uint64 `json:"released"`
}
