// Package access decides how much of a volume an identity may read.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/preview"
	"go.uber.org/zap"
)

// Decision is the outcome of resolving access to a volume.
type Decision string

const (
	// DecisionFull grants the complete document.
	DecisionFull Decision = "full"
	// DecisionPreview grants the generated preview only.
	DecisionPreview Decision = "preview"
	// DecisionDenied grants nothing.
	DecisionDenied Decision = "denied"
)

var (
	// ErrNoContentAvailable indicates there is nothing the identity could be shown.
	ErrNoContentAvailable = errors.New("access: no content available")
	// ErrGenerationFailed indicates a preview was needed but could not be produced.
	ErrGenerationFailed = errors.New("access: preview generation failed")
	// ErrVolumeMismatch indicates the volume does not belong to the item.
	ErrVolumeMismatch = errors.New("access: volume does not belong to item")
)

// Identity is the requester as far as access rules are concerned. A zero UserID is anonymous.
type Identity struct {
	UserID   string
	Verified bool
}

// Anonymous reports whether the identity carries no user.
func (i Identity) Anonymous() bool {
	return strings.TrimSpace(i.UserID) == ""
}

// Result carries the decision together with the artifact it unlocks.
type Result struct {
	Decision    Decision
	ArtifactKey string
	Generated   bool
}

// PurchaseFinder looks up purchases and the clock they are evaluated against.
type PurchaseFinder interface {
	FindPurchase(ctx context.Context, userID, itemID string) (catalog.Purchase, error)
	Now() time.Time
}

// PreviewEnsurer returns the key of a volume's preview, producing it when absent.
type PreviewEnsurer interface {
	Ensure(ctx context.Context, item catalog.Item, volume catalog.Volume) (string, bool, error)
}

// DecisionObserver receives every decision.
type DecisionObserver interface {
	ObserveDecision(decision string)
}

// ResolverConfig describes the dependencies of the Resolver.
type ResolverConfig struct {
	Purchases PurchaseFinder
	Previews  PreviewEnsurer
	Observer  DecisionObserver
	Logger    *zap.Logger
}

// Resolver applies the storefront access rules.
type Resolver struct {
	purchases PurchaseFinder
	previews  PreviewEnsurer
	observer  DecisionObserver
	logger    *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Purchases == nil {
		return nil, fmt.Errorf("access: purchase finder required")
	}
	if cfg.Previews == nil {
		return nil, fmt.Errorf("access: preview ensurer required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		purchases: cfg.Purchases,
		previews:  cfg.Previews,
		observer:  cfg.Observer,
		logger:    logger,
	}, nil
}

// Resolve decides what the identity may read of the volume.
//
// FULL is granted for an active purchase, an open item, or a verified identity on a
// verified-only item; it never triggers preview generation. Everyone else gets the
// preview, generated on demand. A failed generation denies access rather than
// exposing anything partial.
func (r *Resolver) Resolve(ctx context.Context, identity Identity, item catalog.Item, volume catalog.Volume) (Result, error) {
	if volume.ItemID != item.ID {
		return r.deny(fmt.Errorf("%w: volume %s, item %s", ErrVolumeMismatch, volume.ID, item.ID))
	}

	entitled, err := r.Entitled(ctx, identity, item)
	if err != nil {
		return r.deny(err)
	}
	if entitled {
		if !volume.HasDocument() {
			return r.deny(ErrNoContentAvailable)
		}
		return r.decide(Result{Decision: DecisionFull, ArtifactKey: volume.DocumentKey}), nil
	}

	if !volume.HasPreview() && !volume.HasDocument() {
		return r.deny(ErrNoContentAvailable)
	}
	key, generated, err := r.previews.Ensure(ctx, item, volume)
	if err != nil {
		if errors.Is(err, preview.ErrNoDocument) || errors.Is(err, catalog.ErrNotFound) {
			return r.deny(fmt.Errorf("%w: %v", ErrNoContentAvailable, err))
		}
		r.logger.Error("preview unavailable",
			zap.String("item_id", item.ID),
			zap.String("volume_id", volume.ID),
			zap.Error(err),
		)
		return r.deny(fmt.Errorf("%w: %w", ErrGenerationFailed, err))
	}
	return r.decide(Result{Decision: DecisionPreview, ArtifactKey: key, Generated: generated}), nil
}

// Entitled reports whether the identity may read the whole item.
func (r *Resolver) Entitled(ctx context.Context, identity Identity, item catalog.Item) (bool, error) {
	switch item.Access {
	case catalog.AccessOpen:
		return true, nil
	case catalog.AccessVerifiedOnly:
		if identity.Verified && !identity.Anonymous() {
			return true, nil
		}
	}
	return r.HasActivePurchase(ctx, identity, item.ID)
}

// HasActivePurchase reports whether the identity holds an unexpired purchase of the item.
func (r *Resolver) HasActivePurchase(ctx context.Context, identity Identity, itemID string) (bool, error) {
	if identity.Anonymous() {
		return false, nil
	}
	purchase, err := r.purchases.FindPurchase(ctx, identity.UserID, itemID)
	if errors.Is(err, catalog.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return purchase.ActiveAt(r.purchases.Now()), nil
}

func (r *Resolver) decide(result Result) Result {
	if r.observer != nil {
		r.observer.ObserveDecision(string(result.Decision))
	}
	return result
}

func (r *Resolver) deny(err error) (Result, error) {
	return r.decide(Result{Decision: DecisionDenied}), err
}
