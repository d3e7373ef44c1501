// Package export holds the kind-specific export transforms: scan the source
// data with the job's filters, then serialize to the requested format.
package export

import (
	"context"
	"fmt"
	"time"

	"export-job-service/internal/models"
)

// Dataset is the scanned, filtered result of one export. Columns fix the CSV
// field order; Rows hold values keyed by column name.
type Dataset struct {
	Columns []string
	Rows    []map[string]any
}

// Exporter produces the dataset for one export kind.
type Exporter interface {
	Export(ctx context.Context, filters map[string]string) (Dataset, error)
}

// UserSource is the slice of the store the users exporter needs.
type UserSource interface {
	ScanUsers(ctx context.Context, filters map[string]string) ([]models.UserRecord, error)
}

// OrderSource is the slice of the store the orders exporter needs.
type OrderSource interface {
	ScanOrders(ctx context.Context, filters map[string]string) ([]models.OrderRecord, error)
}

var userColumns = []string{"user_id", "user_name", "email", "full_name", "phone_number", "account_status", "created_at", "updated_at"}

// Users exports the users table.
type Users struct {
	Source UserSource
}

func (e *Users) Export(ctx context.Context, filters map[string]string) (Dataset, error) {
	records, err := e.Source.ScanUsers(ctx, filters)
	if err != nil {
		return Dataset{}, fmt.Errorf("export users: %w", err)
	}
	rows := make([]map[string]any, 0, len(records))
	for _, u := range records {
		rows = append(rows, map[string]any{
			"user_id":        u.UserID,
			"user_name":      u.UserName,
			"email":          u.Email,
			"full_name":      u.FullName,
			"phone_number":   u.PhoneNumber,
			"account_status": u.AccountStatus,
			"created_at":     u.CreatedAt.UTC().Format(time.RFC3339),
			"updated_at":     u.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return Dataset{Columns: userColumns, Rows: rows}, nil
}

var orderColumns = []string{"order_id", "user_id", "status", "total_amount", "payment_method", "created_at", "updated_at"}

// Orders exports the orders table.
type Orders struct {
	Source OrderSource
}

func (e *Orders) Export(ctx context.Context, filters map[string]string) (Dataset, error) {
	records, err := e.Source.ScanOrders(ctx, filters)
	if err != nil {
		return Dataset{}, fmt.Errorf("export orders: %w", err)
	}
	rows := make([]map[string]any, 0, len(records))
	for _, o := range records {
		rows = append(rows, map[string]any{
			"order_id":       o.OrderID,
			"user_id":        o.UserID,
			"status":         o.Status,
			"total_amount":   o.TotalAmount,
			"payment_method": o.PaymentMethod,
			"created_at":     o.CreatedAt.UTC().Format(time.RFC3339),
			"updated_at":     o.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return Dataset{Columns: orderColumns, Rows: rows}, nil
}

// Registry builds the exporter set keyed by job kind.
func Registry(users UserSource, orders OrderSource) map[string]Exporter {
	return map[string]Exporter{
		models.KindUsers:  &Users{Source: users},
		models.KindOrders: &Orders{Source: orders},
	}
}
