package flight

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// airlineCodes maps IATA carrier codes to airline names.
var airlineCodes = map[string]string{
	"AA": "American Airlines",
	"DL": "Delta Air Lines",
	"UA": "United Airlines",
	"WN": "Southwest Airlines",
	"B6": "JetBlue Airways",
	"NK": "Spirit Airlines",
	"F9": "Frontier Airlines",
	"LH": "Lufthansa",
	"BA": "British Airways",
	"AF": "Air France",
	"KL": "KLM Royal Dutch Airlines",
	"AZ": "ITA Airways",
	"LX": "Swiss International Air Lines",
	"OS": "Austrian Airlines",
	"SN": "Brussels Airlines",
	"SK": "SAS Scandinavian Airlines",
	"IB": "Iberia",
	"AY": "Finnair",
	"FR": "Ryanair",
	"U2": "easyJet",
	"EK": "Emirates",
	"QR": "Qatar Airways",
	"EY": "Etihad Airways",
	"GF": "Gulf Air",
	"SV": "Saudia",
	"MS": "EgyptAir",
	"RJ": "Royal Jordanian",
	"WY": "Oman Air",
	"TK": "Turkish Airlines",
	"SQ": "Singapore Airlines",
	"CX": "Cathay Pacific",
	"NH": "All Nippon Airways",
	"JL": "Japan Airlines",
	"TG": "Thai Airways",
	"KE": "Korean Air",
	"AC": "Air Canada",
	"PC": "Pegasus Airlines",
	"XY": "flynas",
}

// DefaultPreferredCarriers is the carrier list used when the user states no
// airline preference. Broad coverage keeps search results useful.
var DefaultPreferredCarriers = []string{
	"AA", "DL", "UA", "LH", "BA", "AF", "KL", "EK", "QR", "SQ",
	"CX", "TK", "AC", "NH", "JL", "AZ", "LX", "OS", "SN", "SK",
	"EY", "GF", "SV", "MS", "RJ", "WY", "TG", "KE",
	"FR", "U2", "WN", "B6", "NK", "F9", "PC", "XY", "IB", "AY",
}

// airlineVariations maps common spoken airline names to carrier codes.
// Checked before the code table so "Qatar" wins over a stray "QR" token.
var airlineVariations = map[string]string{
	"QATAR AIRWAYS":     "QR",
	"QATAR":             "QR",
	"EMIRATES":          "EK",
	"TURKISH AIRLINES":  "TK",
	"TURKISH":           "TK",
	"LUFTHANSA":         "LH",
	"BRITISH AIRWAYS":   "BA",
	"AIR FRANCE":        "AF",
	"KLM":               "KL",
	"AMERICAN AIRLINES": "AA",
	"AMERICAN":          "AA",
	"DELTA":             "DL",
	"UNITED":            "UA",
	"RYANAIR":           "FR",
	"EASYJET":           "U2",
}

// AirlineName returns the airline name for an IATA code.
func AirlineName(code string) string {
	if name, ok := airlineCodes[strings.ToUpper(code)]; ok {
		return name
	}
	return fmt.Sprintf("Unknown Airline (%s)", code)
}

// ParseCarrierPreference extracts a preferred carrier from free text. When
// no airline is mentioned it returns the default carrier list.
func ParseCarrierPreference(text string) []string {
	upper := strings.ToUpper(text)

	// Longest name variations first so "Turkish Airlines" beats "Turkish".
	names := make([]string, 0, len(airlineVariations))
	for name := range airlineVariations {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	for _, name := range names {
		if strings.Contains(upper, name) {
			return []string{airlineVariations[name]}
		}
	}

	for code, name := range airlineCodes {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(code) + `\b`)
		if re.MatchString(upper) {
			return []string{code}
		}
		if strings.Contains(upper, strings.ToUpper(name)) {
			return []string{code}
		}
	}

	return DefaultPreferredCarriers
}
