package stock

import "github.com/google/uuid"

// Deduction is one validated line handed to the deduction stage:
// which unit to decrement and by how much.
type Deduction struct {
	UnitType string    `json:"unit_type"`
	UnitID   uuid.UUID `json:"unit_id"`
	Quantity int       `json:"quantity"`
}
