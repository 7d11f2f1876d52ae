package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultPageSize mirrors the storefront grid.
	DefaultPageSize = 12
	maxPageSize     = 100
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("catalog: not found")
	// ErrConstraintViolation indicates a write would break a uniqueness or reference invariant.
	ErrConstraintViolation = errors.New("catalog: constraint violation")
	// ErrDocumentChanged indicates the volume's document was replaced while a derived artifact was being built.
	ErrDocumentChanged = errors.New("catalog: volume document changed")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew            = "catalog.store.new"
	opCreateItem          = "catalog.create_item"
	opGetItem             = "catalog.get_item"
	opUpdateItem          = "catalog.update_item"
	opDeleteItem          = "catalog.delete_item"
	opListItems           = "catalog.list_items"
	opCreateCategory      = "catalog.create_category"
	opListCategories      = "catalog.list_categories"
	opSetItemCategories   = "catalog.set_item_categories"
	opCreateVolume        = "catalog.create_volume"
	opGetVolume           = "catalog.get_volume"
	opUpdateVolume        = "catalog.update_volume"
	opDeleteVolume        = "catalog.delete_volume"
	opListVolumes         = "catalog.list_volumes"
	opSetPreviewIfAbsent  = "catalog.set_preview_if_absent"
	opClearPreview        = "catalog.clear_preview"
	opReleasePreview      = "catalog.release_preview"
	opCreatePurchase      = "catalog.create_purchase"
	opFindPurchase        = "catalog.find_purchase"
	opDeletePurchase      = "catalog.delete_purchase"
	opListActivePurchases = "catalog.list_active_purchases"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig describes the dependencies of the catalog store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store persists catalog items, categories, volumes and purchases.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Now exposes the store clock so collaborators evaluate expiry against the same time source.
func (s *Store) Now() time.Time {
	return s.clock().UTC()
}

// CreateItem inserts a catalog item. Categories referenced by ID are linked, never created.
func (s *Store) CreateItem(ctx context.Context, item Item) (Item, error) {
	return s.CreateItemInCategories(ctx, item, nil)
}

// CreateItemInCategories inserts a catalog item and links it to the categories named by slug
// in one transaction. An unknown slug leaves nothing persisted.
func (s *Store) CreateItemInCategories(ctx context.Context, item Item, slugs []string) (Item, error) {
	if item.PreviewPageCount == 0 {
		item.PreviewPageCount = DefaultPreviewPageCount
	}
	if item.Access == "" {
		item.Access = AccessPaid
	}
	item.Title = strings.TrimSpace(item.Title)
	item.Author = strings.TrimSpace(item.Author)
	if err := item.validate(); err != nil {
		return Item{}, newServiceError(opCreateItem, "invalid_item", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateItem, "id_generation_failed", err)
		return Item{}, newServiceError(opCreateItem, "id_generation_failed", err)
	}
	now := s.Now()
	item.ID = id
	item.CreatedAt = now
	item.UpdatedAt = now

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Categories.*").Create(&item).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newServiceError(opCreateItem, "duplicate", fmt.Errorf("%w: %v", ErrConstraintViolation, err))
			}
			s.logError(opCreateItem, "insert_failed", err, zap.String("item_id", id))
			return newServiceError(opCreateItem, "insert_failed", err)
		}
		if len(slugs) == 0 {
			return nil
		}
		categories, err := categoriesBySlug(tx, opCreateItem, slugs)
		if err != nil {
			return err
		}
		if err := tx.Model(&item).Association("Categories").Replace(categories); err != nil {
			return newServiceError(opCreateItem, "link_failed", err)
		}
		item.Categories = categories
		return nil
	})
	if txErr != nil {
		return Item{}, txErr
	}
	return item, nil
}

// GetItem loads one item with its categories.
func (s *Store) GetItem(ctx context.Context, itemID string) (Item, error) {
	var item Item
	err := s.db.WithContext(ctx).Preload("Categories").Where("id = ?", itemID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Item{}, newServiceError(opGetItem, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGetItem, "query_failed", err, zap.String("item_id", itemID))
		return Item{}, newServiceError(opGetItem, "query_failed", err)
	}
	return item, nil
}

// UpdateItem overwrites the editable fields of an item.
func (s *Store) UpdateItem(ctx context.Context, item Item) (Item, error) {
	item.Title = strings.TrimSpace(item.Title)
	item.Author = strings.TrimSpace(item.Author)
	if err := item.validate(); err != nil {
		return Item{}, newServiceError(opUpdateItem, "invalid_item", err)
	}
	result := s.db.WithContext(ctx).Model(&Item{}).Where("id = ?", item.ID).Updates(map[string]any{
		"title":         item.Title,
		"author":        item.Author,
		"description":   item.Description,
		"access_type":   item.Access,
		"price_cents":   item.PriceCents,
		"preview_pages": item.PreviewPageCount,
		"updated_at":    s.Now(),
	})
	if result.Error != nil {
		s.logError(opUpdateItem, "update_failed", result.Error, zap.String("item_id", item.ID))
		return Item{}, newServiceError(opUpdateItem, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Item{}, newServiceError(opUpdateItem, "not_found", ErrNotFound)
	}
	return s.GetItem(ctx, item.ID)
}

// DeleteItem removes an item together with its volumes, purchases and category links.
// It returns the removed volumes so callers can release their artifacts.
func (s *Store) DeleteItem(ctx context.Context, itemID string) ([]Volume, error) {
	var removed []Volume
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item Item
		err := tx.Where("id = ?", itemID).Take(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteItem, "not_found", ErrNotFound)
		}
		if err != nil {
			return newServiceError(opDeleteItem, "item_select_failed", err)
		}
		if err := tx.Where("catalog_item_id = ?", itemID).Order("position ASC").Find(&removed).Error; err != nil {
			return newServiceError(opDeleteItem, "volume_select_failed", err)
		}
		if err := tx.Where("catalog_item_id = ?", itemID).Delete(&Volume{}).Error; err != nil {
			return newServiceError(opDeleteItem, "volume_delete_failed", err)
		}
		if err := tx.Where("catalog_item_id = ?", itemID).Delete(&Purchase{}).Error; err != nil {
			return newServiceError(opDeleteItem, "purchase_delete_failed", err)
		}
		if err := tx.Model(&item).Association("Categories").Clear(); err != nil {
			return newServiceError(opDeleteItem, "category_unlink_failed", err)
		}
		if err := tx.Delete(&item).Error; err != nil {
			return newServiceError(opDeleteItem, "item_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrNotFound) {
			s.logError(opDeleteItem, "transaction_failed", txErr, zap.String("item_id", itemID))
		}
		return nil, txErr
	}
	return removed, nil
}

// ListItems returns a page of items matching the filter, newest first.
func (s *Store) ListItems(ctx context.Context, filter ItemFilter) (ItemPage, error) {
	if filter.Access != "" {
		parsed, err := ParseAccessCategory(string(filter.Access))
		if err != nil {
			return ItemPage{}, newServiceError(opListItems, "invalid_access", err)
		}
		filter.Access = parsed
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	var total int64
	if err := applyItemFilter(s.db.WithContext(ctx).Model(&Item{}), filter).Count(&total).Error; err != nil {
		s.logError(opListItems, "count_failed", err)
		return ItemPage{}, newServiceError(opListItems, "count_failed", err)
	}

	items := make([]Item, 0, pageSize)
	if err := applyItemFilter(s.db.WithContext(ctx).Model(&Item{}), filter).
		Preload("Categories").
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&items).Error; err != nil {
		s.logError(opListItems, "query_failed", err)
		return ItemPage{}, newServiceError(opListItems, "query_failed", err)
	}

	return ItemPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

func applyItemFilter(tx *gorm.DB, filter ItemFilter) *gorm.DB {
	if query := strings.TrimSpace(filter.Query); query != "" {
		pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
		tx = tx.Where(`(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\')`, pattern, pattern)
	}
	if slug := strings.TrimSpace(filter.CategorySlug); slug != "" {
		tx = tx.Where(`id IN (SELECT cic.item_id FROM catalog_item_categories cic
			JOIN categories c ON c.id = cic.category_id WHERE c.slug = ?)`, slug)
	}
	if filter.Access != "" {
		tx = tx.Where("access_type = ?", filter.Access)
	}
	return tx
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

// CreateCategory inserts a category, deriving the slug from the name when absent.
func (s *Store) CreateCategory(ctx context.Context, category Category) (Category, error) {
	category.Name = strings.TrimSpace(category.Name)
	if category.Name == "" {
		return Category{}, newServiceError(opCreateCategory, "invalid_name", fmt.Errorf("%w: name required", ErrInvalidItem))
	}
	if strings.TrimSpace(category.Slug) == "" {
		category.Slug = Slugify(category.Name)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Category{}, newServiceError(opCreateCategory, "id_generation_failed", err)
	}
	category.ID = id

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Category{}).Where("name = ? OR slug = ?", category.Name, category.Slug).Count(&existing).Error; err != nil {
			return newServiceError(opCreateCategory, "select_failed", err)
		}
		if existing > 0 {
			return newServiceError(opCreateCategory, "duplicate", fmt.Errorf("%w: category %q exists", ErrConstraintViolation, category.Slug))
		}
		if err := tx.Create(&category).Error; err != nil {
			return newServiceError(opCreateCategory, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Category{}, txErr
	}
	return category, nil
}

// ListCategories returns every category ordered by name.
func (s *Store) ListCategories(ctx context.Context) ([]Category, error) {
	var categories []Category
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&categories).Error; err != nil {
		s.logError(opListCategories, "query_failed", err)
		return nil, newServiceError(opListCategories, "query_failed", err)
	}
	return categories, nil
}

// SetItemCategories replaces the item's category links with the categories named by slug.
func (s *Store) SetItemCategories(ctx context.Context, itemID string, slugs []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item Item
		err := tx.Where("id = ?", itemID).Take(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opSetItemCategories, "not_found", ErrNotFound)
		}
		if err != nil {
			return newServiceError(opSetItemCategories, "item_select_failed", err)
		}
		categories, err := categoriesBySlug(tx, opSetItemCategories, slugs)
		if err != nil {
			return err
		}
		if err := tx.Model(&item).Association("Categories").Replace(categories); err != nil {
			return newServiceError(opSetItemCategories, "replace_failed", err)
		}
		return nil
	})
}

func categoriesBySlug(tx *gorm.DB, operation string, slugs []string) ([]Category, error) {
	categories := make([]Category, 0, len(slugs))
	if len(slugs) == 0 {
		return categories, nil
	}
	if err := tx.Where("slug IN ?", slugs).Find(&categories).Error; err != nil {
		return nil, newServiceError(operation, "category_select_failed", err)
	}
	if len(categories) != len(uniqueStrings(slugs)) {
		return nil, newServiceError(operation, "unknown_category", fmt.Errorf("%w: unknown category slug", ErrNotFound))
	}
	return categories, nil
}

func uniqueStrings(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		set[value] = struct{}{}
	}
	return set
}

// CreateVolume inserts a volume, enforcing that its position is unique within the item.
func (s *Store) CreateVolume(ctx context.Context, volume Volume) (Volume, error) {
	if err := volume.validate(); err != nil {
		return Volume{}, newServiceError(opCreateVolume, "invalid_volume", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateVolume, "id_generation_failed", err)
		return Volume{}, newServiceError(opCreateVolume, "id_generation_failed", err)
	}
	now := s.Now()
	volume.ID = id
	volume.CreatedAt = now
	volume.UpdatedAt = now

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var itemCount int64
		if err := tx.Model(&Item{}).Where("id = ?", volume.ItemID).Count(&itemCount).Error; err != nil {
			return newServiceError(opCreateVolume, "item_select_failed", err)
		}
		if itemCount == 0 {
			return newServiceError(opCreateVolume, "item_not_found", ErrNotFound)
		}
		if err := ensurePositionFree(tx, volume.ItemID, volume.Position, ""); err != nil {
			return newServiceError(opCreateVolume, "duplicate_position", err)
		}
		if err := tx.Create(&volume).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newServiceError(opCreateVolume, "duplicate_position", fmt.Errorf("%w: %v", ErrConstraintViolation, err))
			}
			return newServiceError(opCreateVolume, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrNotFound) && !errors.Is(txErr, ErrConstraintViolation) {
			s.logError(opCreateVolume, "transaction_failed", txErr, zap.String("item_id", volume.ItemID))
		}
		return Volume{}, txErr
	}
	return volume, nil
}

func ensurePositionFree(tx *gorm.DB, itemID string, position int, excludeVolumeID string) error {
	query := tx.Model(&Volume{}).Where("catalog_item_id = ? AND position = ?", itemID, position)
	if excludeVolumeID != "" {
		query = query.Where("id <> ?", excludeVolumeID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: volume position %d already used", ErrConstraintViolation, position)
	}
	return nil
}

// GetVolume loads one volume.
func (s *Store) GetVolume(ctx context.Context, volumeID string) (Volume, error) {
	var volume Volume
	err := s.db.WithContext(ctx).Where("id = ?", volumeID).Take(&volume).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Volume{}, newServiceError(opGetVolume, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGetVolume, "query_failed", err, zap.String("volume_id", volumeID))
		return Volume{}, newServiceError(opGetVolume, "query_failed", err)
	}
	return volume, nil
}

// UpdateVolume changes a volume's title, position or document. Replacing the document
// discards the preview so it is derived again from the new content.
func (s *Store) UpdateVolume(ctx context.Context, volume Volume) (Volume, error) {
	if err := volume.validate(); err != nil {
		return Volume{}, newServiceError(opUpdateVolume, "invalid_volume", err)
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Volume
		err := tx.Where("id = ?", volume.ID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateVolume, "not_found", ErrNotFound)
		}
		if err != nil {
			return newServiceError(opUpdateVolume, "select_failed", err)
		}
		if existing.ItemID != volume.ItemID {
			return newServiceError(opUpdateVolume, "item_changed", fmt.Errorf("%w: volume cannot move between items", ErrConstraintViolation))
		}
		if err := ensurePositionFree(tx, volume.ItemID, volume.Position, volume.ID); err != nil {
			return newServiceError(opUpdateVolume, "duplicate_position", err)
		}
		updates := map[string]any{
			"title":      volume.Title,
			"position":   volume.Position,
			"updated_at": s.Now(),
		}
		if volume.DocumentKey != existing.DocumentKey {
			updates["document_key"] = volume.DocumentKey
			updates["preview_key"] = ""
		}
		if err := tx.Model(&Volume{}).Where("id = ?", volume.ID).Updates(updates).Error; err != nil {
			return newServiceError(opUpdateVolume, "update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Volume{}, txErr
	}
	return s.GetVolume(ctx, volume.ID)
}

// DeleteVolume removes one volume.
func (s *Store) DeleteVolume(ctx context.Context, volumeID string) error {
	result := s.db.WithContext(ctx).Where("id = ?", volumeID).Delete(&Volume{})
	if result.Error != nil {
		s.logError(opDeleteVolume, "delete_failed", result.Error, zap.String("volume_id", volumeID))
		return newServiceError(opDeleteVolume, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDeleteVolume, "not_found", ErrNotFound)
	}
	return nil
}

// ListVolumes returns the item's volumes ordered by position.
func (s *Store) ListVolumes(ctx context.Context, itemID string) ([]Volume, error) {
	var volumes []Volume
	if err := s.db.WithContext(ctx).
		Where("catalog_item_id = ?", itemID).
		Order("position ASC").
		Find(&volumes).Error; err != nil {
		s.logError(opListVolumes, "query_failed", err, zap.String("item_id", itemID))
		return nil, newServiceError(opListVolumes, "query_failed", err)
	}
	return volumes, nil
}

// ListAllVolumes returns every volume grouped by item and ordered by position.
func (s *Store) ListAllVolumes(ctx context.Context) ([]Volume, error) {
	var volumes []Volume
	if err := s.db.WithContext(ctx).
		Order("catalog_item_id ASC").
		Order("position ASC").
		Find(&volumes).Error; err != nil {
		s.logError(opListVolumes, "query_failed", err)
		return nil, newServiceError(opListVolumes, "query_failed", err)
	}
	return volumes, nil
}

// SetPreviewIfAbsent persists the preview key only when the volume has none yet and still
// points at documentKey, the document the preview was derived from.
// It reports whether this call won and the key now stored on the volume. When the document
// was replaced in the meantime it returns ErrDocumentChanged and nothing is written.
func (s *Store) SetPreviewIfAbsent(ctx context.Context, volumeID, documentKey, previewKey string) (bool, string, error) {
	if strings.TrimSpace(previewKey) == "" || strings.TrimSpace(documentKey) == "" {
		return false, "", newServiceError(opSetPreviewIfAbsent, "invalid_key", fmt.Errorf("%w: empty document or preview key", ErrInvalidVolume))
	}
	result := s.db.WithContext(ctx).
		Model(&Volume{}).
		Where("id = ? AND preview_key = '' AND document_key = ?", volumeID, documentKey).
		Updates(map[string]any{"preview_key": previewKey, "updated_at": s.Now()})
	if result.Error != nil {
		s.logError(opSetPreviewIfAbsent, "update_failed", result.Error, zap.String("volume_id", volumeID))
		return false, "", newServiceError(opSetPreviewIfAbsent, "update_failed", result.Error)
	}
	if result.RowsAffected == 1 {
		return true, previewKey, nil
	}
	current, err := s.GetVolume(ctx, volumeID)
	if err != nil {
		return false, "", err
	}
	if current.DocumentKey != documentKey {
		return false, current.PreviewKey, newServiceError(opSetPreviewIfAbsent, "document_changed", ErrDocumentChanged)
	}
	return false, current.PreviewKey, nil
}

// ReleasePreview clears the volume's preview key only while it still equals previewKey.
// It reports whether the key was cleared.
func (s *Store) ReleasePreview(ctx context.Context, volumeID, previewKey string) (bool, error) {
	if strings.TrimSpace(previewKey) == "" {
		return false, nil
	}
	result := s.db.WithContext(ctx).
		Model(&Volume{}).
		Where("id = ? AND preview_key = ?", volumeID, previewKey).
		Updates(map[string]any{"preview_key": "", "updated_at": s.Now()})
	if result.Error != nil {
		s.logError(opReleasePreview, "update_failed", result.Error, zap.String("volume_id", volumeID))
		return false, newServiceError(opReleasePreview, "update_failed", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ClearPreview resets the volume's preview key and returns the previous value.
func (s *Store) ClearPreview(ctx context.Context, volumeID string) (string, error) {
	var previous string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var volume Volume
		err := tx.Where("id = ?", volumeID).Take(&volume).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opClearPreview, "not_found", ErrNotFound)
		}
		if err != nil {
			return newServiceError(opClearPreview, "select_failed", err)
		}
		previous = volume.PreviewKey
		if err := tx.Model(&Volume{}).Where("id = ?", volumeID).
			Updates(map[string]any{"preview_key": "", "updated_at": s.Now()}).Error; err != nil {
			return newServiceError(opClearPreview, "update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return "", txErr
	}
	return previous, nil
}

// CreatePurchase records a purchase; at most one may exist per user and item.
func (s *Store) CreatePurchase(ctx context.Context, purchase Purchase) (Purchase, error) {
	purchase.UserID = strings.TrimSpace(purchase.UserID)
	if purchase.UserID == "" || strings.TrimSpace(purchase.ItemID) == "" {
		return Purchase{}, newServiceError(opCreatePurchase, "invalid_purchase", fmt.Errorf("%w: user and item required", ErrConstraintViolation))
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Purchase{}, newServiceError(opCreatePurchase, "id_generation_failed", err)
	}
	purchase.ID = id
	if purchase.PurchasedAt.IsZero() {
		purchase.PurchasedAt = s.Now()
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var itemCount int64
		if err := tx.Model(&Item{}).Where("id = ?", purchase.ItemID).Count(&itemCount).Error; err != nil {
			return newServiceError(opCreatePurchase, "item_select_failed", err)
		}
		if itemCount == 0 {
			return newServiceError(opCreatePurchase, "item_not_found", ErrNotFound)
		}
		var existing int64
		if err := tx.Model(&Purchase{}).
			Where("user_id = ? AND catalog_item_id = ?", purchase.UserID, purchase.ItemID).
			Count(&existing).Error; err != nil {
			return newServiceError(opCreatePurchase, "purchase_select_failed", err)
		}
		if existing > 0 {
			return newServiceError(opCreatePurchase, "duplicate", fmt.Errorf("%w: purchase already recorded", ErrConstraintViolation))
		}
		if err := tx.Create(&purchase).Error; err != nil {
			return newServiceError(opCreatePurchase, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Purchase{}, txErr
	}
	return purchase, nil
}

// FindPurchase returns the purchase for the user and item, active or not.
func (s *Store) FindPurchase(ctx context.Context, userID, itemID string) (Purchase, error) {
	var purchase Purchase
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND catalog_item_id = ?", userID, itemID).
		Take(&purchase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Purchase{}, newServiceError(opFindPurchase, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opFindPurchase, "query_failed", err, zap.String("user_id", userID), zap.String("item_id", itemID))
		return Purchase{}, newServiceError(opFindPurchase, "query_failed", err)
	}
	return purchase, nil
}

// DeletePurchase revokes a purchase.
func (s *Store) DeletePurchase(ctx context.Context, userID, itemID string) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND catalog_item_id = ?", userID, itemID).
		Delete(&Purchase{})
	if result.Error != nil {
		s.logError(opDeletePurchase, "delete_failed", result.Error)
		return newServiceError(opDeletePurchase, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDeletePurchase, "not_found", ErrNotFound)
	}
	return nil
}

// OwnedItem pairs an active purchase with its item.
type OwnedItem struct {
	Purchase Purchase
	Item     Item
}

// ListActivePurchases returns the user's unexpired purchases, most recent first.
func (s *Store) ListActivePurchases(ctx context.Context, userID string) ([]OwnedItem, error) {
	var purchases []Purchase
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("(access_expires_at IS NULL OR access_expires_at > ?)", s.Now()).
		Order("purchased_at DESC").
		Find(&purchases).Error; err != nil {
		s.logError(opListActivePurchases, "purchase_query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListActivePurchases, "purchase_query_failed", err)
	}
	if len(purchases) == 0 {
		return []OwnedItem{}, nil
	}

	itemIDs := make([]string, 0, len(purchases))
	for _, purchase := range purchases {
		itemIDs = append(itemIDs, purchase.ItemID)
	}
	var items []Item
	if err := s.db.WithContext(ctx).Where("id IN ?", itemIDs).Find(&items).Error; err != nil {
		s.logError(opListActivePurchases, "item_query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListActivePurchases, "item_query_failed", err)
	}
	itemsByID := make(map[string]Item, len(items))
	for _, item := range items {
		itemsByID[item.ID] = item
	}

	owned := make([]OwnedItem, 0, len(purchases))
	for _, purchase := range purchases {
		item, ok := itemsByID[purchase.ItemID]
		if !ok {
			continue
		}
		owned = append(owned, OwnedItem{Purchase: purchase, Item: item})
	}
	return owned, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("catalog store error", attrs...)
}
