// internal/models/entity.go
package models

import "time"

// EntityMeta holds the lifecycle metadata shared by every persisted record.
// ID is the storage row id and stays zero until the record is first stored.
type EntityMeta struct {
	ID        int64     `json:"id,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
