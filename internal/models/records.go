package models

import "time"

// UserRecord is one row of the users source table, the scan target for
// "users" exports.
type UserRecord struct {
	UserID        string    `json:"user_id"`
	UserName      string    `json:"user_name"`
	Email         string    `json:"email"`
	FullName      string    `json:"full_name"`
	PhoneNumber   string    `json:"phone_number"`
	AccountStatus string    `json:"account_status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OrderRecord is one row of the orders source table.
type OrderRecord struct {
	OrderID       string    `json:"order_id"`
	UserID        string    `json:"user_id"`
	Status        string    `json:"status"`
	TotalAmount   float64   `json:"total_amount"`
	PaymentMethod string    `json:"payment_method"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ThirdPartyItem is one synced row pulled from the external API.
type ThirdPartyItem struct {
	ItemID       string    `json:"item_id"`
	Source       string    `json:"source"`
	ResourceType string    `json:"resource_type"`
	Title        *string   `json:"title,omitempty"`
	Name         *string   `json:"name,omitempty"`
	Email        *string   `json:"email,omitempty"`
	Data         string    `json:"data"`
	SyncAttempt  int       `json:"sync_attempt"`
	SyncedAt     time.Time `json:"synced_at"`
}
