package flight

import (
	"strings"
	"time"

	ticketErrors "github.com/HummdG/tazaticket/internal/errors"
)

// Trip types.
const (
	TripOneWay    = "one-way"
	TripRoundTrip = "round-trip"
)

// Search is the slot state machine for one thread's flight query. Fields
// fill in across turns; the search runs once the required slots are set.
type Search struct {
	Origin        string
	Destination   string
	DepartureDate string // YYYY-MM-DD
	ReturnDate    string // YYYY-MM-DD, round-trip only
	Passengers    int
	TripType      string
}

// NewSearch creates an empty search with a single passenger.
func NewSearch() *Search {
	return &Search{Passengers: 1}
}

// Apply merges the provided slot values into the search. Empty values
// leave existing slots untouched, so partial extractions accumulate.
func (s *Search) Apply(update Search, today time.Time) {
	if update.Origin != "" {
		s.Origin = strings.ToUpper(update.Origin)
	}
	if update.Destination != "" {
		s.Destination = strings.ToUpper(update.Destination)
	}
	if update.DepartureDate != "" {
		s.DepartureDate = FixDateYear(update.DepartureDate, today)
	}
	if update.ReturnDate != "" {
		s.ReturnDate = FixDateYear(update.ReturnDate, today)
	}
	if update.Passengers > 0 {
		s.Passengers = update.Passengers
	}
	if update.TripType != "" {
		s.TripType = NormalizeTripType(update.TripType)
	}
}

// Complete reports whether every required slot is filled. Round trips
// additionally require a return date.
func (s *Search) Complete() bool {
	if s.Origin == "" || s.Destination == "" || s.DepartureDate == "" ||
		s.Passengers < 1 || s.TripType == "" {
		return false
	}
	if s.TripType == TripRoundTrip && s.ReturnDate == "" {
		return false
	}
	return true
}

// Missing lists the unfilled required slots.
func (s *Search) Missing() []string {
	var missing []string
	if s.Origin == "" {
		missing = append(missing, "origin")
	}
	if s.Destination == "" {
		missing = append(missing, "destination")
	}
	if s.DepartureDate == "" {
		missing = append(missing, "departure_date")
	}
	if s.Passengers < 1 {
		missing = append(missing, "number_of_passengers")
	}
	if s.TripType == "" {
		missing = append(missing, "type_of_trip")
	}
	if s.TripType == TripRoundTrip && s.ReturnDate == "" {
		missing = append(missing, "return_date")
	}
	return missing
}

// Validate returns a structured error naming the missing slots, or nil.
func (s *Search) Validate() error {
	if s.Complete() {
		return nil
	}
	return ticketErrors.New(ticketErrors.CodeSearchIncomplete,
		"flight search needs more details: "+strings.Join(s.Missing(), ", ")).
		WithSuggestion("Ask the user for the missing fields before searching")
}

// NormalizeTripType folds spoken trip-type variants onto the two canonical
// values. Unrecognized input passes through lowercased.
func NormalizeTripType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "oneway", "one-way", "one way":
		return TripOneWay
	case "roundtrip", "round-trip", "round trip", "return":
		return TripRoundTrip
	default:
		return strings.ToLower(strings.TrimSpace(t))
	}
}

// FixDateYear keeps travel dates in the future. A date that already passed
// this year rolls forward to next year; an outdated year is bumped to the
// current (or next) year. Unparseable input passes through unchanged.
func FixDateYear(dateStr string, today time.Time) string {
	d, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return dateStr
	}
	today = today.Truncate(24 * time.Hour)

	if d.Year() < today.Year() {
		d = time.Date(today.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	}
	if d.Before(today) {
		d = time.Date(today.Year()+1, d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	}
	return d.Format("2006-01-02")
}
