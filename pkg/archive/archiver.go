package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/stakeplan/pkg/plan"
)

// Entry is the archived form of a settled plan.
type Entry struct {
	Plan       *plan.Plan      `json:"plan"`
	PlanDigest string          `json:"plan_digest"`
	Settlement plan.Settlement `json:"settlement"`
}

// Archiver writes settled plans to a Store.
type Archiver struct {
	store  Store
	logger *slog.Logger
}

// NewArchiver creates an archiver over store.
func NewArchiver(store Store, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, logger: logger.With("component", "archive")}
}

// Archive stores the canonical entry for a settled plan and returns its address.
// The release capability is stripped; PlanDigest covers the plan as archived.
func (a *Archiver) Archive(ctx context.Context, p *plan.Plan, s plan.Settlement) (string, error) {
	archived := p.Clone()
	archived.ReleaseCapability = ""
	digest, err := plan.Digest(archived)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(Entry{Plan: archived, PlanDigest: digest, Settlement: s})
	if err != nil {
		return "", fmt.Errorf("marshal archive entry: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize archive entry: %w", err)
	}
	return a.store.Put(ctx, canon)
}

// Load returns the entry stored under address.
func (a *Archiver) Load(ctx context.Context, address string) (*Entry, error) {
	data, err := a.store.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode archive entry %s: %w", address, err)
	}
	return &e, nil
}

// Hook returns a settlement hook that archives every settled plan.
// Failures are logged; the settlement they follow is already committed.
func (a *Archiver) Hook() plan.SettlementHook {
	return func(ctx context.Context, p *plan.Plan, s plan.Settlement) {
		address, err := a.Archive(ctx, p, s)
		if err != nil {
			a.logger.ErrorContext(ctx, "failed to archive settled plan",
				"owner", p.Owner, "id", p.ID, "receipt_id", s.ReceiptID, "error", err)
			return
		}
		a.logger.InfoContext(ctx, "settled plan archived",
			"owner", p.Owner, "id", p.ID, "receipt_id", s.ReceiptID, "address", address)
	}
}
