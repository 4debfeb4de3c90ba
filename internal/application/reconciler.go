package application

import (
	"context"
	"fmt"
	"time"

	"steeple-core-chms-sync-layer/internal/domain"
	"steeple-core-chms-sync-layer/internal/ports"

	"github.com/rs/zerolog"
)

// Reconciler maps external entity identities onto internally-owned ones.
// For every external record seen in a pull pass it upserts the link with a
// fresh lastSeenAt, creating the internal entity when no link exists yet.
// After a pass completes in full, links not seen since the pass started are
// tombstoned; most external APIs do not emit delete events reliably, so
// absence from a complete listing is the deletion signal.
type Reconciler struct {
	links  ports.LinkRepository
	store  ports.EntityStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewReconciler creates a reconciler over the link repository and entity
// store.
func NewReconciler(links ports.LinkRepository, store ports.EntityStore, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		links:  links,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// ReconcileResult accumulates counts over one page.
type ReconcileResult struct {
	Seen    int
	Skipped int
	Created int
	Updated int
}

// EntityShapes applies the adapter's declarative mapping table to a page of
// raw records. Records that fail validation (missing ID, wrong field shape)
// are logged and dropped; a bad record never aborts the pass.
func (r *Reconciler) EntityShapes(adapter *Adapter, entityType string, records []map[string]any) ([]*domain.EntityData, int) {
	fieldMaps := adapter.FieldMaps[entityType]

	entities := make([]*domain.EntityData, 0, len(records))
	skipped := 0
	for _, record := range records {
		entity, err := r.shapeRecord(adapter.Name, entityType, fieldMaps, record)
		if err != nil {
			r.logger.Warn().
				Err(err).
				Str("adapter", adapter.Name).
				Str("entityType", entityType).
				Msg("Skipping record that failed validation")
			skipped++
			continue
		}
		entities = append(entities, entity)
	}
	return entities, skipped
}

func (r *Reconciler) shapeRecord(adapterName, entityType string, fieldMaps []FieldMap, record map[string]any) (*domain.EntityData, error) {
	externalID := extractID(record)
	if externalID == "" {
		return nil, domain.NewSyncError(domain.ErrValidation, adapterName, entityType,
			fmt.Errorf("record has no id"))
	}

	attributes := record
	if nested, ok := record["attributes"].(map[string]any); ok {
		attributes = nested
	}

	shape := make(map[string]any, len(fieldMaps))
	for _, fm := range fieldMaps {
		value, ok := attributes[fm.External]
		if !ok || value == nil {
			continue
		}
		if fm.Transform != nil {
			transformed, err := fm.Transform(value)
			if err != nil {
				return nil, domain.NewSyncError(domain.ErrValidation, adapterName, entityType,
					fmt.Errorf("field %q: %w", fm.External, err))
			}
			value = transformed
		}
		shape[fm.Internal] = value
	}

	return &domain.EntityData{
		ExternalID: externalID,
		EntityType: entityType,
		Attributes: attributes,
		Shape:      shape,
	}, nil
}

// ReconcilePage upserts the links for one page of decoded entities. seen
// tracks external IDs already reconciled this pass; a second record mapping
// to the same external ID is a conflict: logged, first wins, and the pass
// continues. Upserts are individually safe to have applied, so a pass that
// fails partway leaves no work to roll back.
func (r *Reconciler) ReconcilePage(ctx context.Context, adapterName string, entities []*domain.EntityData, seen map[string]bool) (*ReconcileResult, error) {
	result := &ReconcileResult{}

	for _, entity := range entities {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Seen++

		seenKey := entity.EntityType + "/" + entity.ExternalID
		if seen[seenKey] {
			conflict := domain.NewSyncError(domain.ErrConflict, adapterName, entity.EntityType,
				fmt.Errorf("duplicate external id %q in pass", entity.ExternalID))
			r.logger.Warn().Err(conflict).Msg("Conflicting record, keeping first")
			result.Skipped++
			continue
		}
		seen[seenKey] = true

		created, err := r.reconcileEntity(ctx, adapterName, entity)
		if err != nil {
			return result, err
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
	}
	return result, nil
}

// reconcileEntity upserts one link, creating the internal entity when none
// is linked yet. Returns true when the internal entity was created.
func (r *Reconciler) reconcileEntity(ctx context.Context, adapterName string, entity *domain.EntityData) (bool, error) {
	link, err := r.links.GetLinkByExternalID(ctx, adapterName, entity.EntityType, entity.ExternalID)
	if err != nil {
		return false, fmt.Errorf("failed to look up link: %w", err)
	}

	now := r.now()
	created := false

	internalID := ""
	if link == nil {
		internalID, err = r.store.CreateEntity(ctx, entity.EntityType, entity.Shape)
		if err != nil {
			return false, fmt.Errorf("failed to create internal entity: %w", err)
		}
		created = true
	} else {
		internalID = link.InternalID
		if err := r.store.UpdateEntity(ctx, entity.EntityType, internalID, entity.Shape); err != nil {
			return false, fmt.Errorf("failed to update internal entity: %w", err)
		}
	}

	_, err = r.links.UpsertLink(ctx, &domain.ExternalLink{
		InternalID: internalID,
		ExternalID: entity.ExternalID,
		Adapter:    adapterName,
		EntityType: entity.EntityType,
		LastSeenAt: now,
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert link: %w", err)
	}
	return created, nil
}

// GetLink returns the link an internal entity has for one adapter, or nil.
func (r *Reconciler) GetLink(ctx context.Context, adapterName, internalID string) (*domain.ExternalLink, error) {
	return r.links.GetLinkByInternalID(ctx, adapterName, internalID)
}

// UpsertLinks upserts a batch of links and returns the stored rows.
func (r *Reconciler) UpsertLinks(ctx context.Context, links []*domain.ExternalLink) ([]*domain.ExternalLink, error) {
	stored := make([]*domain.ExternalLink, 0, len(links))
	for _, link := range links {
		row, err := r.links.UpsertLink(ctx, link)
		if err != nil {
			return stored, fmt.Errorf("failed to upsert link: %w", err)
		}
		stored = append(stored, row)
	}
	return stored, nil
}

// DetectDeletions tombstones every active link for (adapter, entityType)
// that did not appear since syncStart, soft-deleting the internal entities
// alongside. Callers must only invoke this after the full paginated
// sequence completed successfully: a partial listing would wrongly mark
// still-live records as deleted.
func (r *Reconciler) DetectDeletions(ctx context.Context, adapterName, entityType string, syncStart time.Time) ([]*domain.ExternalLink, error) {
	tombstoned, err := r.links.MarkDeletedBefore(ctx, adapterName, entityType, syncStart)
	if err != nil {
		return nil, fmt.Errorf("failed to mark deleted links: %w", err)
	}

	for _, link := range tombstoned {
		if err := r.store.SoftDeleteEntity(ctx, entityType, link.InternalID); err != nil {
			r.logger.Warn().
				Err(err).
				Str("adapter", adapterName).
				Str("entityType", entityType).
				Str("internalId", link.InternalID).
				Msg("Failed to soft-delete internal entity for tombstoned link")
		}
	}

	if len(tombstoned) > 0 {
		r.logger.Info().
			Str("adapter", adapterName).
			Str("entityType", entityType).
			Int("count", len(tombstoned)).
			Msg("Tombstoned links absent from full listing")
	}
	return tombstoned, nil
}

// extractID pulls the record's external ID out of the shapes JSON decoding
// produces.
func extractID(record map[string]any) string {
	switch id := record["id"].(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return ""
	}
}
