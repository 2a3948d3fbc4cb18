package signaling

import "fmt"

// PeerID derives the deterministic relay identifier for one side of a
// booking. attempt > 0 appends the collision-retry suffix, so both sides can
// enumerate the identifiers the other may have ended up with.
func PeerID(bookingID, role string, attempt int) string {
	id := fmt.Sprintf("call_%s_%s", bookingID, role)
	if attempt > 0 {
		id = fmt.Sprintf("%s_r%d", id, attempt)
	}
	return id
}

// IDVariants lists base plus its retry-suffixed variants, in dialing order.
func IDVariants(base string, retries int) []string {
	variants := make([]string, 0, retries+1)
	variants = append(variants, base)
	for i := 1; i <= retries; i++ {
		variants = append(variants, fmt.Sprintf("%s_r%d", base, i))
	}
	return variants
}
