package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AccessCategory enumerates who may read a catalog item in full without purchasing it.
type AccessCategory string

const (
	// AccessOpen items are readable by everyone.
	AccessOpen AccessCategory = "open"
	// AccessPaid items require an active purchase.
	AccessPaid AccessCategory = "paid"
	// AccessVerifiedOnly items are readable by verified identities (students) or purchasers.
	AccessVerifiedOnly AccessCategory = "verified_only"
)

const (
	// DefaultPreviewPageCount matches the storefront's historical preview length.
	DefaultPreviewPageCount = 10
	maxTitleLength          = 200
	maxAuthorLength         = 100
)

var (
	// ErrInvalidAccessCategory indicates an unknown access category value.
	ErrInvalidAccessCategory = errors.New("catalog: invalid access category")
	// ErrInvalidItem indicates a catalog item failed field validation.
	ErrInvalidItem = errors.New("catalog: invalid item")
	// ErrInvalidVolume indicates a volume failed field validation.
	ErrInvalidVolume = errors.New("catalog: invalid volume")
)

// ParseAccessCategory validates raw input and returns an AccessCategory.
func ParseAccessCategory(rawInput string) (AccessCategory, error) {
	switch AccessCategory(strings.ToLower(strings.TrimSpace(rawInput))) {
	case AccessOpen:
		return AccessOpen, nil
	case AccessPaid:
		return AccessPaid, nil
	case AccessVerifiedOnly:
		return AccessVerifiedOnly, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAccessCategory, rawInput)
	}
}

// Category groups catalog items for browsing.
type Category struct {
	ID          string `gorm:"column:id;primaryKey;size:64;not null"`
	Name        string `gorm:"column:name;size:100;not null;uniqueIndex"`
	Slug        string `gorm:"column:slug;size:100;not null;uniqueIndex"`
	Description string `gorm:"column:description;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Category) TableName() string {
	return "categories"
}

// Item is a purchasable set of volumes (a "book set").
type Item struct {
	ID               string         `gorm:"column:id;primaryKey;size:64;not null"`
	Title            string         `gorm:"column:title;size:200;not null;index:idx_items_title_access,priority:1"`
	Author           string         `gorm:"column:author;size:100;not null;default:''"`
	Description      string         `gorm:"column:description;type:text;not null;default:''"`
	Access           AccessCategory `gorm:"column:access_type;size:20;not null;default:'paid';index:idx_items_title_access,priority:2"`
	PriceCents       int64          `gorm:"column:price_cents;not null;default:0"`
	PreviewPageCount int            `gorm:"column:preview_pages;not null;default:10"`
	Categories       []Category     `gorm:"many2many:catalog_item_categories;joinForeignKey:ItemID;joinReferences:CategoryID"`
	CreatedAt        time.Time      `gorm:"column:created_at;not null;index"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "catalog_items"
}

func (i Item) validate() error {
	title := strings.TrimSpace(i.Title)
	if title == "" {
		return fmt.Errorf("%w: title required", ErrInvalidItem)
	}
	if len(title) > maxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters", ErrInvalidItem, maxTitleLength)
	}
	if len(i.Author) > maxAuthorLength {
		return fmt.Errorf("%w: author exceeds %d characters", ErrInvalidItem, maxAuthorLength)
	}
	if _, err := ParseAccessCategory(string(i.Access)); err != nil {
		return err
	}
	if i.PriceCents < 0 {
		return fmt.Errorf("%w: negative price", ErrInvalidItem)
	}
	if i.PreviewPageCount <= 0 {
		return fmt.Errorf("%w: preview page count must be positive", ErrInvalidItem)
	}
	return nil
}

// Volume is one ordered document within an item.
type Volume struct {
	ID          string    `gorm:"column:id;primaryKey;size:64;not null"`
	ItemID      string    `gorm:"column:catalog_item_id;size:64;not null;uniqueIndex:idx_volumes_item_position,priority:1"`
	Position    int       `gorm:"column:position;not null;uniqueIndex:idx_volumes_item_position,priority:2"`
	Title       string    `gorm:"column:title;size:200;not null;default:''"`
	DocumentKey string    `gorm:"column:document_key;size:512;not null;default:''"`
	PreviewKey  string    `gorm:"column:preview_key;size:512;not null;default:''"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Volume) TableName() string {
	return "volumes"
}

// HasDocument reports whether the full document artifact is present.
func (v Volume) HasDocument() bool {
	return strings.TrimSpace(v.DocumentKey) != ""
}

// HasPreview reports whether a preview artifact has been persisted.
func (v Volume) HasPreview() bool {
	return strings.TrimSpace(v.PreviewKey) != ""
}

func (v Volume) validate() error {
	if strings.TrimSpace(v.ItemID) == "" {
		return fmt.Errorf("%w: item id required", ErrInvalidVolume)
	}
	if v.Position <= 0 {
		return fmt.Errorf("%w: position must be positive", ErrInvalidVolume)
	}
	return nil
}

// Purchase grants an identity full access to an item.
type Purchase struct {
	ID          string     `gorm:"column:id;primaryKey;size:64;not null"`
	UserID      string     `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_purchases_user_item,priority:1"`
	ItemID      string     `gorm:"column:catalog_item_id;size:64;not null;uniqueIndex:idx_purchases_user_item,priority:2"`
	PurchasedAt time.Time  `gorm:"column:purchased_at;not null;index"`
	ExpiresAt   *time.Time `gorm:"column:access_expires_at"`
}

// TableName provides the explicit table binding for GORM.
func (Purchase) TableName() string {
	return "purchases"
}

// ActiveAt reports whether the purchase grants access at the given instant.
// Purchases without an expiry never lapse.
func (p Purchase) ActiveAt(now time.Time) bool {
	if p.ExpiresAt == nil {
		return true
	}
	return p.ExpiresAt.After(now)
}

// ItemFilter narrows ListItems results.
type ItemFilter struct {
	Query        string
	CategorySlug string
	Access       AccessCategory
	Page         int
	PageSize     int
}

// ItemPage is one page of ListItems results.
type ItemPage struct {
	Items    []Item
	Total    int64
	Page     int
	PageSize int
}
