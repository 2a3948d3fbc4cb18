package billing

import "fmt"

// FormatDuration renders elapsed seconds as "MM:SS", switching to "HH:MM:SS"
// from one hour up.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// CalculateCallCost charges per started minute with a one-minute minimum.
func CalculateCallCost(seconds int, minuteRate float64) float64 {
	minutes := (seconds + 59) / 60
	if minutes < 1 {
		minutes = 1
	}
	return float64(minutes) * minuteRate
}
