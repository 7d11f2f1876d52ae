package access

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/database"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/pdftest"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/preview"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/storage"
)

type countingEnsurer struct {
	delegate PreviewEnsurer
	mu       sync.Mutex
	calls    int
}

func (c *countingEnsurer) Ensure(ctx context.Context, item catalog.Item, volume catalog.Volume) (string, bool, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.delegate.Ensure(ctx, item, volume)
}

type decisionLog struct {
	decisions []string
}

func (d *decisionLog) ObserveDecision(decision string) {
	d.decisions = append(d.decisions, decision)
}

type resolverFixture struct {
	resolver  *Resolver
	store     *catalog.Store
	artifacts storage.ArtifactStore
	ensurer   *countingEnsurer
	decisions *decisionLog
	now       time.Time
}

func newResolverFixture(t *testing.T) resolverFixture {
	t.Helper()
	db, err := database.Open(database.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "access.db")}, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	now := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	store, err := catalog.NewStore(catalog.StoreConfig{
		Database:   db,
		Clock:      func() time.Time { return now },
		IDProvider: catalog.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	artifacts, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create artifact store: %v", err)
	}
	previews, err := preview.NewService(preview.ServiceConfig{
		Store:     store,
		Artifacts: artifacts,
		Generator: preview.NewGenerator(preview.GeneratorConfig{}),
	})
	if err != nil {
		t.Fatalf("failed to create preview service: %v", err)
	}
	ensurer := &countingEnsurer{delegate: previews}
	decisions := &decisionLog{}
	resolver, err := NewResolver(ResolverConfig{Purchases: store, Previews: ensurer, Observer: decisions})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	return resolverFixture{
		resolver:  resolver,
		store:     store,
		artifacts: artifacts,
		ensurer:   ensurer,
		decisions: decisions,
		now:       now,
	}
}

func (f resolverFixture) addItem(t *testing.T, category catalog.AccessCategory, document []byte) (catalog.Item, catalog.Volume) {
	t.Helper()
	ctx := context.Background()
	item, err := f.store.CreateItem(ctx, catalog.Item{Title: "Bible Atlas", Access: category})
	if err != nil {
		t.Fatalf("failed to create item: %v", err)
	}
	volume := catalog.Volume{ItemID: item.ID, Position: 1, Title: "Old Testament"}
	if document != nil {
		volume.DocumentKey = storage.NewKey(storage.PrefixVolumes, "atlas.pdf")
		if err := f.artifacts.Put(ctx, volume.DocumentKey, bytes.NewReader(document)); err != nil {
			t.Fatalf("failed to store document: %v", err)
		}
	}
	volume, err = f.store.CreateVolume(ctx, volume)
	if err != nil {
		t.Fatalf("failed to create volume: %v", err)
	}
	return item, volume
}

func (f resolverFixture) reload(t *testing.T, volumeID string) catalog.Volume {
	t.Helper()
	volume, err := f.store.GetVolume(context.Background(), volumeID)
	if err != nil {
		t.Fatalf("failed to reload volume: %v", err)
	}
	return volume
}

func TestResolveOpenItemGrantsFullWithoutGeneration(t *testing.T) {
	fixture := newResolverFixture(t)
	item, volume := fixture.addItem(t, catalog.AccessOpen, pdftest.Document(t, 12))

	result, err := fixture.resolver.Resolve(context.Background(), Identity{}, item, volume)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if result.Decision != DecisionFull || result.ArtifactKey != volume.DocumentKey {
		t.Fatalf("expected full access to the document, got %#v", result)
	}
	if fixture.ensurer.calls != 0 {
		t.Fatalf("full access must not trigger generation")
	}
	if fixture.reload(t, volume.ID).HasPreview() {
		t.Fatalf("full access must not persist a preview")
	}
}

func TestResolvePaidItemServesPreviewThenFullAfterPurchase(t *testing.T) {
	fixture := newResolverFixture(t)
	ctx := context.Background()
	item, volume := fixture.addItem(t, catalog.AccessPaid, pdftest.Document(t, 12))
	buyer := Identity{UserID: "user-1"}

	result, err := fixture.resolver.Resolve(ctx, buyer, item, volume)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if result.Decision != DecisionPreview || !result.Generated {
		t.Fatalf("expected a freshly generated preview, got %#v", result)
	}
	stored := fixture.reload(t, volume.ID)
	if stored.PreviewKey != result.ArtifactKey {
		t.Fatalf("expected preview key to be persisted, got %q want %q", stored.PreviewKey, result.ArtifactKey)
	}
	previewBytes, err := storage.ReadAll(ctx, fixture.artifacts, result.ArtifactKey, 0)
	if err != nil {
		t.Fatalf("failed to read preview: %v", err)
	}
	pdftest.ExpectLeadingPages(t, previewBytes, catalog.DefaultPreviewPageCount)

	again, err := fixture.resolver.Resolve(ctx, Identity{}, item, stored)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if again.Decision != DecisionPreview || again.Generated || again.ArtifactKey != result.ArtifactKey {
		t.Fatalf("expected the persisted preview to be reused, got %#v", again)
	}

	if _, err := fixture.store.CreatePurchase(ctx, catalog.Purchase{UserID: buyer.UserID, ItemID: item.ID}); err != nil {
		t.Fatalf("failed to record purchase: %v", err)
	}
	full, err := fixture.resolver.Resolve(ctx, buyer, item, stored)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if full.Decision != DecisionFull || full.ArtifactKey != volume.DocumentKey {
		t.Fatalf("expected purchaser to get the full document, got %#v", full)
	}
}

func TestResolveExpiredPurchaseFallsBackToPreview(t *testing.T) {
	fixture := newResolverFixture(t)
	ctx := context.Background()
	item, volume := fixture.addItem(t, catalog.AccessPaid, pdftest.Document(t, 3))
	expired := fixture.now.Add(-time.Hour)
	if _, err := fixture.store.CreatePurchase(ctx, catalog.Purchase{UserID: "user-1", ItemID: item.ID, ExpiresAt: &expired}); err != nil {
		t.Fatalf("failed to record purchase: %v", err)
	}

	result, err := fixture.resolver.Resolve(ctx, Identity{UserID: "user-1"}, item, volume)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if result.Decision != DecisionPreview {
		t.Fatalf("expected preview for an expired purchase, got %#v", result)
	}
	previewBytes, err := storage.ReadAll(ctx, fixture.artifacts, result.ArtifactKey, 0)
	if err != nil {
		t.Fatalf("failed to read preview: %v", err)
	}
	pdftest.ExpectLeadingPages(t, previewBytes, 3)
}

func TestResolveVerifiedOnlyItem(t *testing.T) {
	fixture := newResolverFixture(t)
	item, volume := fixture.addItem(t, catalog.AccessVerifiedOnly, pdftest.Document(t, 4))

	result, err := fixture.resolver.Resolve(context.Background(), Identity{UserID: "student", Verified: true}, item, volume)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if result.Decision != DecisionFull {
		t.Fatalf("expected verified identity to get full access, got %#v", result)
	}

	result, err = fixture.resolver.Resolve(context.Background(), Identity{UserID: "visitor"}, item, volume)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if result.Decision != DecisionPreview {
		t.Fatalf("expected unverified identity to get the preview, got %#v", result)
	}

	result, err = fixture.resolver.Resolve(context.Background(), Identity{Verified: true}, item, volume)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if result.Decision != DecisionPreview {
		t.Fatalf("anonymous identities are never verified, got %#v", result)
	}
}

func TestResolveWithoutAnyContent(t *testing.T) {
	fixture := newResolverFixture(t)
	item, volume := fixture.addItem(t, catalog.AccessPaid, nil)

	result, err := fixture.resolver.Resolve(context.Background(), Identity{}, item, volume)
	if !errors.Is(err, ErrNoContentAvailable) {
		t.Fatalf("expected ErrNoContentAvailable, got %v", err)
	}
	if result.Decision != DecisionDenied {
		t.Fatalf("expected denial, got %#v", result)
	}

	openItem, openVolume := fixture.addItem(t, catalog.AccessOpen, nil)
	if _, err := fixture.resolver.Resolve(context.Background(), Identity{}, openItem, openVolume); !errors.Is(err, ErrNoContentAvailable) {
		t.Fatalf("expected ErrNoContentAvailable for full access without a document, got %v", err)
	}
}

func TestResolveFailsClosedOnGenerationError(t *testing.T) {
	fixture := newResolverFixture(t)
	item, volume := fixture.addItem(t, catalog.AccessPaid, []byte("corrupted upload"))

	result, err := fixture.resolver.Resolve(context.Background(), Identity{UserID: "user-1"}, item, volume)
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
	if !errors.Is(err, preview.ErrDocumentRead) {
		t.Fatalf("expected the cause to be preserved, got %v", err)
	}
	if result.Decision != DecisionDenied || result.ArtifactKey != "" {
		t.Fatalf("expected denial without an artifact, got %#v", result)
	}
	if fixture.reload(t, volume.ID).HasPreview() {
		t.Fatalf("failed generation must not persist a preview key")
	}
	last := fixture.decisions.decisions[len(fixture.decisions.decisions)-1]
	if last != string(DecisionDenied) {
		t.Fatalf("expected denial to be observed, got %q", last)
	}
}

func TestResolveRejectsForeignVolume(t *testing.T) {
	fixture := newResolverFixture(t)
	item, _ := fixture.addItem(t, catalog.AccessOpen, pdftest.Document(t, 1))
	_, foreign := fixture.addItem(t, catalog.AccessOpen, pdftest.Document(t, 1))

	if _, err := fixture.resolver.Resolve(context.Background(), Identity{}, item, foreign); !errors.Is(err, ErrVolumeMismatch) {
		t.Fatalf("expected ErrVolumeMismatch, got %v", err)
	}
}
