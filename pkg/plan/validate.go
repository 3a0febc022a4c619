package plan

// ValidateParams checks creation parameters against the fixed schedule bounds and the
// recognised asset. The first failing check wins.
func ValidateParams(params CreateParams, asset Asset) error {
	if params.NumberOfDays < MinNumberOfDays || params.NumberOfDays > MaxNumberOfDays {
		return ErrInvalidNumberOfDays
	}
	if params.DailyFrequency < MinDailyFrequency || params.DailyFrequency > MaxDailyFrequency {
		return ErrInvalidDailyFrequency
	}
	if params.DurationMinutes < MinDurationMinute || params.DurationMinutes > MaxDurationMinute {
		return ErrInvalidDurationMinutes
	}
	unit := asset.Unit()
	if params.Stake < MinStakeUnits*unit || params.Stake > MaxStakeUnits*unit {
		return ErrInvalidCommitmentStakeAmount
	}
	if params.Asset != asset.ID {
		return ErrInvalidMint
	}
	return nil
}

// checkOpen rejects attestation against a plan that can no longer take sessions.
// A fresh plan is inactive until its first attestation; an inactive plan that already
// holds attestations has been deactivated and stays closed.
func checkOpen(p *Plan) error {
	if p.IsCompleted {
		return ErrPlanCompleted
	}
	if !p.IsActive && len(p.Attestations) > 0 {
		return ErrPlanInactive
	}
	return nil
}

// checkAttestation validates a session claimed by caller against p at time now.
func checkAttestation(p *Plan, caller Identity, startedAt, endedAt, now int64) error {
	if err := checkOpen(p); err != nil {
		return err
	}
	if caller != p.Owner {
		return ErrUnauthorizedAccess
	}
	if startedAt > now || endedAt > now {
		return ErrInvalidTimestamps
	}
	if endedAt <= startedAt {
		return ErrInvalidTimestamps
	}
	if startedAt < p.StartAt {
		return ErrPlanNotStarted
	}
	if startedAt > p.EndAt {
		return ErrPlanExpired
	}

	duration := endedAt - startedAt
	if duration < int64(p.DurationMinutes)*60 {
		return ErrAttestationTooShort
	}
	if duration > MaxSessionSeconds {
		return ErrAttestationTooLong
	}

	if sessionsOnDay(p, startedAt) >= int(p.DailyFrequency) {
		return ErrDailyFrequencyExceeded
	}
	if uint64(len(p.Attestations)) >= p.TotalSessions() {
		return ErrDailyFrequencyExceeded
	}
	return nil
}

// dayWindow returns the [from, to) window of the schedule day containing ts.
// ts must not precede p.StartAt.
func dayWindow(p *Plan, ts int64) (from, to int64) {
	day := (ts - p.StartAt) / DaySeconds
	from = p.StartAt + day*DaySeconds
	return from, from + DaySeconds
}

// sessionsOnDay counts recorded sessions that started in the schedule day containing ts.
func sessionsOnDay(p *Plan, ts int64) int {
	from, to := dayWindow(p, ts)
	n := 0
	for _, a := range p.Attestations {
		if a.StartedAt >= from && a.StartedAt < to {
			n++
		}
	}
	return n
}

// checkCompletable validates a completion request by caller at time now.
func checkCompletable(p *Plan, caller Identity, now int64) error {
	if caller != p.Owner {
		return ErrUnauthorizedAccess
	}
	if p.IsCompleted {
		return ErrPlanCompleted
	}
	if !p.IsActive {
		return ErrPlanInactive
	}
	if uint64(len(p.Attestations)) < p.TotalSessions() && now <= p.EndAt {
		return ErrPlanNotEnded
	}
	return nil
}
