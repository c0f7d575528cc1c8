// internal/models/asset.go
package models

import (
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Asset is a listed digital asset. PriceUnits is in the smallest payment unit.
type Asset struct {
	BaseModel
	SellerID    uuid.UUID      `json:"seller_id" gorm:"type:uuid;not null;index"`
	Title       string         `json:"title" gorm:"size:255;not null"`
	Description string         `json:"description" gorm:"type:text"`
	Category    string         `json:"category" gorm:"size:100;index"`
	PriceUnits  int64          `json:"price_units" gorm:"not null"`
	ContentKey  string         `json:"-" gorm:"size:512;not null"`
	ContentHash string         `json:"content_hash" gorm:"size:128"`
	Tags        pq.StringArray `json:"tags" gorm:"type:text[]"`
	Status      AssetStatus    `json:"status" gorm:"type:varchar(20);default:'draft';index"`
	SalesCount  int64          `json:"sales_count" gorm:"default:0"`

	Seller User `json:"seller,omitempty" gorm:"foreignKey:SellerID"`
}
