package flight

import (
	"fmt"
	"strings"
)

// FormatDuration renders minutes as "Xh Ym".
func FormatDuration(minutes int) string {
	if minutes <= 0 {
		return "Unknown"
	}
	hours := minutes / 60
	mins := minutes % 60
	switch {
	case hours > 0 && mins > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	case hours > 0:
		return fmt.Sprintf("%dh", hours)
	default:
		return fmt.Sprintf("%dm", mins)
	}
}

// FormatStops renders a stop count.
func FormatStops(stops int) string {
	switch stops {
	case 0:
		return "non-stop"
	case 1:
		return "1 stop"
	default:
		return fmt.Sprintf("%d stops", stops)
	}
}

// FormatBaggage renders a compact baggage line.
func FormatBaggage(b Baggage) string {
	var parts []string

	carryOn := "✗"
	if b.CarryOnIncluded {
		carryOn = "✓"
	}
	if b.CarryOnText != "" {
		parts = append(parts, fmt.Sprintf("carry-on %s (%s)", carryOn, b.CarryOnText))
	} else {
		parts = append(parts, "carry-on "+carryOn)
	}

	checked := "✗"
	if b.CheckedIncluded {
		checked = "✓"
	}
	parts = append(parts, "checked "+checked)

	if b.ValidatingAirline != "" {
		parts = append(parts, "Validating airline: "+AirlineName(b.ValidatingAirline))
	}
	if b.ChangePenalty != "" {
		parts = append(parts, "Change: "+b.ChangePenalty)
	}
	if b.CancelPenalty != "" {
		parts = append(parts, "Cancel: "+b.CancelPenalty)
	}

	return strings.Join(parts, " | ")
}

// FormatSummary renders a flight summary as the reply text sent to the user.
func FormatSummary(s *Search, sum *Summary) string {
	if sum == nil {
		return fmt.Sprintf("Sorry, no flights found from %s to %s on %s.",
			s.Origin, s.Destination, s.DepartureDate)
	}

	var b strings.Builder
	if s.TripType == TripRoundTrip && sum.Inbound != nil {
		fmt.Fprintf(&b, "Cheapest round trip %s ⇄ %s: %.2f %s\n",
			s.Origin, s.Destination, sum.TotalPrice(), sum.Currency())
		fmt.Fprintf(&b, "Outbound (%s): %s, %s\n", s.DepartureDate,
			FormatDuration(sum.Outbound.DurationMinutes), FormatStops(sum.Outbound.Stops))
		fmt.Fprintf(&b, "   Baggage: %s\n", FormatBaggage(sum.Outbound.Baggage))
		fmt.Fprintf(&b, "Return (%s): %s, %s\n", s.ReturnDate,
			FormatDuration(sum.Inbound.DurationMinutes), FormatStops(sum.Inbound.Stops))
		fmt.Fprintf(&b, "   Baggage: %s\n", FormatBaggage(sum.Inbound.Baggage))
		return b.String()
	}

	fmt.Fprintf(&b, "Cheapest flight %s → %s on %s: %.2f %s\n",
		s.Origin, s.Destination, s.DepartureDate,
		sum.Outbound.Price.Total, sum.Outbound.Price.Currency)
	fmt.Fprintf(&b, "Duration: %s, %s\n",
		FormatDuration(sum.Outbound.DurationMinutes), FormatStops(sum.Outbound.Stops))
	fmt.Fprintf(&b, "Baggage: %s\n", FormatBaggage(sum.Outbound.Baggage))
	return b.String()
}
