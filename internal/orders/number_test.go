package orders

import (
	"regexp"
	"testing"
	"time"
)

var orderNumberRe = regexp.MustCompile(`^ORD-\d{9}$`)

func TestOrderNumberFormat(t *testing.T) {
	for i := 0; i < 100; i++ {
		n := NewOrderNumber()
		if !orderNumberRe.MatchString(n) {
			t.Fatalf("order number %q does not match ORD-<9 digits>", n)
		}
	}
}

func TestOrderNumberRandomSuffixRange(t *testing.T) {
	now := time.Unix(1700000000, 0)
	for r := 0; r < 900; r++ {
		n := orderNumberAt(now, r)
		suffix := n[len(n)-3:]
		if suffix < "100" || suffix > "999" {
			t.Fatalf("suffix %q out of range for r=%d", suffix, r)
		}
	}
}

func TestOrderNumberUniqueAcrossTimestamps(t *testing.T) {
	seen := make(map[string]bool, 10000)
	now := time.Unix(1700000000, 0)
	for i := 0; i < 10000; i++ {
		n := orderNumberAt(now.Add(time.Duration(i)*time.Second), i%900)
		if seen[n] {
			t.Fatalf("duplicate order number %q at i=%d", n, i)
		}
		seen[n] = true
	}
}
