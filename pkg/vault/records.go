package vault

import (
	"context"
	"fmt"

	"github.com/forest6511/securevault/pkg/record"
)

// AddRecord stores a new record of kind and returns its id.
func (v *Vault) AddRecord(ctx context.Context, kind record.Kind, fields map[string]string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.unlocked(); err != nil {
		return 0, err
	}
	if err := record.ValidateFields(fields); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	v.guard.OnInteraction()

	id, err := v.h.Insert(ctx, kind, fields)
	if err != nil {
		return 0, classify(err)
	}
	v.log.Debug().Str("kind", string(kind)).Int64("id", id).Msg("record added")
	return id, nil
}

// ListRecords returns the records of kind ordered by id.
func (v *Vault) ListRecords(ctx context.Context, kind record.Kind) ([]record.Record, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.unlocked(); err != nil {
		return nil, err
	}
	v.guard.OnInteraction()

	recs, err := v.h.ReadAll(ctx, kind)
	if err != nil {
		return nil, classify(err)
	}
	return recs, nil
}

// DeleteRecord removes one record.
func (v *Vault) DeleteRecord(ctx context.Context, kind record.Kind, id int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.unlocked(); err != nil {
		return err
	}
	v.guard.OnInteraction()

	if err := v.h.Delete(ctx, kind, id); err != nil {
		return classify(err)
	}
	v.log.Debug().Str("kind", string(kind)).Int64("id", id).Msg("record deleted")
	return nil
}

// Counts returns the number of records per kind.
func (v *Vault) Counts(ctx context.Context) (map[record.Kind]int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.unlocked(); err != nil {
		return nil, err
	}
	counts, err := v.h.Count(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return counts, nil
}
