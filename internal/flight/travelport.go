package flight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/HummdG/tazaticket/internal/config"
)

const (
	defaultOAuthURL   = "https://oauth.pp.travelport.com/oauth/oauth20/token"
	defaultCatalogURL = "https://api.pp.travelport.com/11/air/catalog/search/catalogproductofferings"
)

// Price is an offer price in the provider's currency.
type Price struct {
	Currency string
	Total    float64
	Base     float64
	Taxes    float64
}

// Baggage is a compact baggage and fare-rules summary for one option.
type Baggage struct {
	CheckedIncluded   bool
	CarryOnIncluded   bool
	CarryOnText       string
	ValidatingAirline string
	ChangePenalty     string
	CancelPenalty     string
}

// Option summarizes one bookable offering.
type Option struct {
	Price           Price
	Baggage         Baggage
	DurationMinutes int
	Stops           int
}

// Summary is the cheapest-option view of a search response. Inbound is nil
// for one-way trips.
type Summary struct {
	Outbound *Option
	Inbound  *Option
}

// TotalPrice sums outbound and inbound totals.
func (s *Summary) TotalPrice() float64 {
	total := s.Outbound.Price.Total
	if s.Inbound != nil {
		total += s.Inbound.Price.Total
	}
	return total
}

// Currency returns the offer currency.
func (s *Summary) Currency() string {
	return s.Outbound.Price.Currency
}

// Client calls the Travelport catalog search API.
type Client struct {
	oauthURL     string
	catalogURL   string
	clientID     string
	clientSecret string
	username     string
	password     string
	accessGroup  string
	httpClient   *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a Travelport client from the flight config.
func NewClient(cfg config.FlightConfig) *Client {
	oauthURL := cfg.OAuthURL
	if oauthURL == "" {
		oauthURL = defaultOAuthURL
	}
	catalogURL := cfg.CatalogURL
	if catalogURL == "" {
		catalogURL = defaultCatalogURL
	}
	return &Client{
		oauthURL:     oauthURL,
		catalogURL:   catalogURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		username:     cfg.Username,
		password:     cfg.Password,
		accessGroup:  cfg.AccessGroup,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
	}
}

// Search runs the catalog search for the completed query and returns the
// cheapest-option summary.
func (c *Client) Search(ctx context.Context, q *Search, carriers []string) (*Summary, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if len(carriers) == 0 {
		carriers = DefaultPreferredCarriers
	}

	token, err := c.fetchToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain oauth token: %w", err)
	}

	payload := buildPayload(q, carriers)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.catalogURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("XAUTH_TRAVELPORT_ACCESSGROUP", c.accessGroup)
	httpReq.Header.Set("Accept-Version", "11")
	httpReq.Header.Set("Content-Version", "11")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return ParseSummary(respBody, q.TripType)
}

// fetchToken returns a cached OAuth token, refreshing via the password
// grant when expired.
func (c *Client) fetchToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"password"},
		"username":      {c.username},
		"password":      {c.password},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"scope":         {"openid"},
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.oauthURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	c.token = tok.AccessToken
	expires := tok.ExpiresIn
	if expires <= 0 {
		expires = 1200
	}
	// Refresh a minute early.
	c.tokenExpiry = time.Now().Add(time.Duration(expires-60) * time.Second)
	return c.token, nil
}

// buildPayload assembles the catalog search request for the query.
func buildPayload(q *Search, carriers []string) map[string]interface{} {
	passengers := make([]map[string]interface{}, 0, q.Passengers)
	for i := 0; i < q.Passengers; i++ {
		passengers = append(passengers, map[string]interface{}{
			"@type":             "PassengerCriteria",
			"number":            i + 1,
			"age":               25,
			"passengerTypeCode": "ADT",
		})
	}

	legs := []map[string]interface{}{
		{
			"@type":         "SearchCriteriaFlight",
			"departureDate": q.DepartureDate,
			"From":          map[string]string{"value": q.Origin},
			"To":            map[string]string{"value": q.Destination},
		},
	}
	if q.TripType == TripRoundTrip {
		legs = append(legs, map[string]interface{}{
			"@type":         "SearchCriteriaFlight",
			"departureDate": q.ReturnDate,
			"From":          map[string]string{"value": q.Destination},
			"To":            map[string]string{"value": q.Origin},
		})
	}

	return map[string]interface{}{
		"@type": "CatalogProductOfferingsQueryRequest",
		"CatalogProductOfferingsRequest": map[string]interface{}{
			"@type":                      "CatalogProductOfferingsRequestAir",
			"maxNumberOfUpsellsToReturn": 1,
			"contentSourceList":          []string{"GDS"},
			"PassengerCriteria":          passengers,
			"SearchCriteriaFlight":       legs,
			"SearchModifiersAir": map[string]interface{}{
				"@type": "SearchModifiersAir",
				"CarrierPreference": []map[string]interface{}{
					{
						"@type":          "CarrierPreference",
						"preferenceType": "Preferred",
						"carriers":       carriers,
					},
				},
			},
			"CustomResponseModifiersAir": map[string]interface{}{
				"@type":                "CustomResponseModifiersAir",
				"SearchRepresentation": "Journey",
			},
		},
	}
}

// catalogResponse is the subset of the search response we read.
type catalogResponse struct {
	CatalogProductOfferingsResponse struct {
		CatalogProductOfferings struct {
			CatalogProductOffering []struct {
				Sequence            int `json:"sequence"`
				ProductBrandOptions []struct {
					FlightRefs           []string `json:"flightRefs"`
					ProductBrandOffering []struct {
						BestCombinablePrice struct {
							CurrencyCode struct {
								Value string `json:"value"`
							} `json:"CurrencyCode"`
							TotalPrice float64 `json:"TotalPrice"`
							Base       float64 `json:"Base"`
							TotalTaxes float64 `json:"TotalTaxes"`
						} `json:"BestCombinablePrice"`
						TermsAndConditions struct {
							TermsAndConditionsRef string `json:"termsAndConditionsRef"`
						} `json:"TermsAndConditions"`
					} `json:"ProductBrandOffering"`
				} `json:"ProductBrandOptions"`
			} `json:"CatalogProductOffering"`
		} `json:"CatalogProductOfferings"`
		ReferenceListFlight struct {
			Flight []struct {
				ID       string `json:"id"`
				Duration string `json:"duration"`
				Stops    int    `json:"Stops"`
			} `json:"Flight"`
		} `json:"ReferenceListFlight"`
		ReferenceListTermsAndConditions struct {
			TermsAndConditions []termsBlock `json:"TermsAndConditions"`
		} `json:"ReferenceListTermsAndConditions"`
	} `json:"CatalogProductOfferingsResponse"`
}

type termsBlock struct {
	ID                    string `json:"id"`
	ValidatingAirlineCode string `json:"validatingAirlineCode"`
	BaggageAllowance      []struct {
		BaggageType string   `json:"baggageType"`
		Text        []string `json:"Text"`
		BaggageItem []struct {
			IncludedInOfferPrice string   `json:"includedInOfferPrice"`
			Text                 []string `json:"Text"`
		} `json:"BaggageItem"`
	} `json:"BaggageAllowance"`
	Penalties []struct {
		Change []penaltyEntry `json:"Change"`
		Cancel []penaltyEntry `json:"Cancel"`
	} `json:"Penalties"`
}

type penaltyEntry struct {
	Penalty []struct {
		Percent *float64 `json:"Percent"`
		Amount  *struct {
			Value float64 `json:"value"`
			Code  string  `json:"code"`
		} `json:"Amount"`
	} `json:"Penalty"`
}

// ParseSummary extracts the cheapest option per direction from a catalog
// search response.
func ParseSummary(body []byte, tripType string) (*Summary, error) {
	var resp catalogResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	root := resp.CatalogProductOfferingsResponse
	offerings := root.CatalogProductOfferings.CatalogProductOffering
	if len(offerings) == 0 {
		return nil, nil
	}

	flights := make(map[string]struct {
		minutes int
		stops   int
	}, len(root.ReferenceListFlight.Flight))
	for _, f := range root.ReferenceListFlight.Flight {
		flights[f.ID] = struct {
			minutes int
			stops   int
		}{durationMinutes(f.Duration), f.Stops}
	}

	terms := make(map[string]termsBlock, len(root.ReferenceListTermsAndConditions.TermsAndConditions))
	for _, t := range root.ReferenceListTermsAndConditions.TermsAndConditions {
		terms[t.ID] = t
	}

	cheapestBySeq := map[int]*Option{}
	for _, off := range offerings {
		seq := off.Sequence
		if seq == 0 {
			seq = 1
		}
		for _, pbo := range off.ProductBrandOptions {
			for _, offer := range pbo.ProductBrandOffering {
				opt := &Option{
					Price: Price{
						Currency: offer.BestCombinablePrice.CurrencyCode.Value,
						Total:    offer.BestCombinablePrice.TotalPrice,
						Base:     offer.BestCombinablePrice.Base,
						Taxes:    offer.BestCombinablePrice.TotalTaxes,
					},
					Baggage: baggageFromTerms(terms[offer.TermsAndConditions.TermsAndConditionsRef]),
				}
				for _, ref := range pbo.FlightRefs {
					f := flights[ref]
					opt.DurationMinutes += f.minutes
					opt.Stops += f.stops
				}
				best := cheapestBySeq[seq]
				if best == nil || opt.Price.Total < best.Price.Total {
					cheapestBySeq[seq] = opt
				}
			}
		}
	}

	if cheapestBySeq[1] == nil {
		return nil, nil
	}
	summary := &Summary{Outbound: cheapestBySeq[1]}
	if tripType == TripRoundTrip {
		summary.Inbound = cheapestBySeq[2]
	}
	return summary, nil
}

func baggageFromTerms(t termsBlock) Baggage {
	b := Baggage{ValidatingAirline: t.ValidatingAirlineCode}
	for _, ba := range t.BaggageAllowance {
		switch ba.BaggageType {
		case "FirstCheckedBag":
			for _, item := range ba.BaggageItem {
				if item.IncludedInOfferPrice == "Yes" {
					b.CheckedIncluded = true
				}
			}
		case "CarryOn":
			for _, item := range ba.BaggageItem {
				if item.IncludedInOfferPrice == "Yes" {
					b.CarryOnIncluded = true
				}
				if len(item.Text) > 0 && b.CarryOnText == "" {
					b.CarryOnText = item.Text[0]
				}
			}
			if b.CarryOnText == "" && len(ba.Text) > 0 {
				b.CarryOnText = ba.Text[0]
			}
		}
	}
	for _, pen := range t.Penalties {
		if len(pen.Change) > 0 && b.ChangePenalty == "" {
			b.ChangePenalty = formatPenalty(pen.Change[0])
		}
		if len(pen.Cancel) > 0 && b.CancelPenalty == "" {
			b.CancelPenalty = formatPenalty(pen.Cancel[0])
		}
	}
	return b
}

func formatPenalty(p penaltyEntry) string {
	if len(p.Penalty) == 0 {
		return ""
	}
	entry := p.Penalty[0]
	if entry.Percent != nil {
		return strconv.FormatFloat(*entry.Percent, 'f', -1, 64) + "%"
	}
	if entry.Amount != nil {
		return fmt.Sprintf("%g %s", entry.Amount.Value, entry.Amount.Code)
	}
	return ""
}

var (
	durationHours     = regexp.MustCompile(`(\d+)H`)
	durationMinutesRe = regexp.MustCompile(`(\d+)M`)
)

// durationMinutes converts an ISO 8601 duration like "PT1H45M" to minutes.
func durationMinutes(iso string) int {
	if !strings.HasPrefix(iso, "PT") {
		return 0
	}
	total := 0
	if m := durationHours.FindStringSubmatch(iso); m != nil {
		h, _ := strconv.Atoi(m[1])
		total += h * 60
	}
	if m := durationMinutesRe.FindStringSubmatch(iso); m != nil {
		mins, _ := strconv.Atoi(m[1])
		total += mins
	}
	return total
}
