// Package shipping quotes domestic parcel postage from Australia Post.
package shipping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	ServiceRegular = "AUS_PARCEL_REGULAR"
	ServiceExpress = "AUS_PARCEL_EXPRESS"

	maxWeightKg = 22
	cacheSize   = 512
)

var (
	ErrNotConfigured  = errors.New("shipping quotes are not configured")
	ErrInvalidRequest = errors.New("invalid shipping quote request")

	postcodeRe = regexp.MustCompile(`^\d{4}$`)
)

type QuoteRequest struct {
	FromPostcode string  `form:"from_postcode" json:"from_postcode"`
	ToPostcode   string  `form:"to_postcode" json:"to_postcode"`
	Length       float64 `form:"length" json:"length"` // cm
	Width        float64 `form:"width" json:"width"`
	Height       float64 `form:"height" json:"height"`
	Weight       float64 `form:"weight" json:"weight"` // kg
	ServiceCode  string  `form:"service_code" json:"service_code"`
}

type Quote struct {
	Service      string          `json:"service"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	DeliveryTime string          `json:"delivery_time"`
}

type Quoter interface {
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)
}

type AusPostClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cache   *expirable.LRU[string, Quote]
}

func NewAusPost(baseURL, apiKey string, timeout, cacheTTL time.Duration) *AusPostClient {
	return &AusPostClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		cache:   expirable.NewLRU[string, Quote](cacheSize, nil, cacheTTL),
	}
}

// Validate fills defaults and checks the request.
func (r *QuoteRequest) Validate() error {
	if r.ServiceCode == "" {
		r.ServiceCode = ServiceRegular
	}
	if r.ServiceCode != ServiceRegular && r.ServiceCode != ServiceExpress {
		return fmt.Errorf("%w: unknown service_code %q", ErrInvalidRequest, r.ServiceCode)
	}
	if !postcodeRe.MatchString(r.FromPostcode) || !postcodeRe.MatchString(r.ToPostcode) {
		return fmt.Errorf("%w: postcodes must be 4 digits", ErrInvalidRequest)
	}
	if r.Length <= 0 || r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: parcel dimensions must be positive", ErrInvalidRequest)
	}
	if r.Weight <= 0 || r.Weight > maxWeightKg {
		return fmt.Errorf("%w: weight must be between 0 and %d kg", ErrInvalidRequest, maxWeightKg)
	}
	return nil
}

func (r QuoteRequest) cacheKey() string {
	return fmt.Sprintf("%s|%s|%g|%g|%g|%g|%s",
		r.FromPostcode, r.ToPostcode, r.Length, r.Width, r.Height, r.Weight, r.ServiceCode)
}

func (c *AusPostClient) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := req.cacheKey()
	if q, ok := c.cache.Get(key); ok {
		return &q, nil
	}

	q := url.Values{}
	q.Set("from_postcode", req.FromPostcode)
	q.Set("to_postcode", req.ToPostcode)
	q.Set("length", formatFloat(req.Length))
	q.Set("width", formatFloat(req.Width))
	q.Set("height", formatFloat(req.Height))
	q.Set("weight", formatFloat(req.Weight))
	q.Set("service_code", req.ServiceCode)

	endpoint := c.baseURL + "/postage/parcel/domestic/calculate.json?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("AUTH-KEY", c.apiKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("auspost request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error struct {
				ErrorMessage string `json:"errorMessage"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		msg := body.Error.ErrorMessage
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("auspost: %s", msg)
	}

	var body struct {
		PostageResult Quote `json:"postage_result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode auspost response: %w", err)
	}

	c.cache.Add(key, body.PostageResult)
	log.Debug().Str("from", req.FromPostcode).Str("to", req.ToPostcode).
		Str("cost", body.PostageResult.TotalCost.String()).Msg("auspost quote")
	return &body.PostageResult, nil
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
