package orders

import (
	"fmt"
	"math/rand"
	"time"
)

// NewOrderNumber generates the human-readable order number:
// ORD-<last 6 digits of unix seconds><3-digit random>. Collisions are
// statistically negligible, not impossible; the column's unique
// constraint is the backstop.
func NewOrderNumber() string {
	return orderNumberAt(time.Now(), rand.Intn(900))
}

func orderNumberAt(now time.Time, r int) string {
	ts := fmt.Sprintf("%06d", now.Unix()%1000000)
	return fmt.Sprintf("ORD-%s%03d", ts, 100+r%900)
}
