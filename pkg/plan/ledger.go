package plan

import (
	"math/bits"
)

// RewardPerSession is the slice of stake accrued by one attested session.
// Integer division truncates; the remainder is reconciled by Settle.
func RewardPerSession(p *Plan) (uint64, error) {
	total := p.TotalSessions()
	if total == 0 {
		return 0, ErrArithmeticOverflow
	}
	return p.Stake / total, nil
}

// Accrue returns a copy of p with a appended, the plan marked active and the running
// reward increased by one session's share. p is never modified.
func Accrue(p *Plan, a Attestation) (*Plan, error) {
	perSession, err := RewardPerSession(p)
	if err != nil {
		return nil, err
	}
	rewards, carry := bits.Add64(p.Rewards, perSession, 0)
	if carry != 0 {
		return nil, ErrArithmeticOverflow
	}

	next := p.Clone()
	next.Attestations = append(next.Attestations, a)
	next.IsActive = true
	next.Rewards = rewards
	return next, nil
}

// Settle returns a copy of p carrying the authoritative final rewards and penalties.
// It recomputes both from the stake and the attestation count, independent of the
// running reward accrued so far. p is never modified.
func Settle(p *Plan) (*Plan, error) {
	total := p.TotalSessions()
	if total == 0 {
		return nil, ErrArithmeticOverflow
	}
	completed := uint64(len(p.Attestations))

	var rewards, penalties uint64
	if completed >= total {
		rewards = p.Stake
	} else {
		perSession := p.Stake / total
		missed, borrow := bits.Sub64(total, completed, 0)
		if borrow != 0 {
			return nil, ErrArithmeticOverflow
		}
		hi, lo := bits.Mul64(perSession, missed)
		if hi != 0 {
			return nil, ErrArithmeticOverflow
		}
		penalties = lo
		rewards, borrow = bits.Sub64(p.Stake, penalties, 0)
		if borrow != 0 {
			return nil, ErrArithmeticOverflow
		}
	}

	next := p.Clone()
	next.Rewards = rewards
	next.Penalties = penalties
	next.IsCompleted = true
	next.IsActive = false
	return next, nil
}
