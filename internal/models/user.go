// internal/models/user.go
package models

// User is the catalog identity record. The settlement core only reads it,
// except for the purchase counter.
type User struct {
	BaseModel
	Username      string     `json:"username" gorm:"uniqueIndex;size:50;not null"`
	Email         string     `json:"email" gorm:"uniqueIndex;size:255"`
	UserType      UserType   `json:"user_type" gorm:"type:varchar(20);not null"`
	Status        UserStatus `json:"status" gorm:"type:varchar(20);default:'active'"`
	LedgerAddress string     `json:"ledger_address" gorm:"size:64;index"`
	PurchaseCount int64      `json:"purchase_count" gorm:"default:0"`
	ProfileData   JSONB      `json:"profile_data" gorm:"type:jsonb"`
}
