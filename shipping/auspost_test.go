package shipping

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() QuoteRequest {
	return QuoteRequest{
		FromPostcode: "3000",
		ToPostcode:   "2000",
		Length:       22,
		Width:        16,
		Height:       7.7,
		Weight:       1.5,
	}
}

func TestQuoteCallsAusPostAndCaches(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/postage/parcel/domestic/calculate.json", r.URL.Path)
		assert.Equal(t, "key-123", r.Header.Get("AUTH-KEY"))
		assert.Equal(t, "3000", r.URL.Query().Get("from_postcode"))
		assert.Equal(t, ServiceRegular, r.URL.Query().Get("service_code"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"postage_result":{"service":"Parcel Post","delivery_time":"Delivered in 3 business days","total_cost":"11.95"}}`))
	}))
	defer srv.Close()

	c := NewAusPost(srv.URL, "key-123", time.Second, time.Minute)

	q, err := c.Quote(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "Parcel Post", q.Service)
	assert.Equal(t, "11.95", q.TotalCost.StringFixed(2))

	_, err = c.Quote(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQuoteSurfacesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"errorMessage":"Please enter a valid To postcode."}}`))
	}))
	defer srv.Close()

	c := NewAusPost(srv.URL, "key", time.Second, time.Minute)
	_, err := c.Quote(context.Background(), validRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "valid To postcode")
}

func TestQuoteValidation(t *testing.T) {
	c := NewAusPost("http://unused", "key", time.Second, time.Minute)

	tests := []struct {
		name   string
		mutate func(*QuoteRequest)
	}{
		{"bad postcode", func(r *QuoteRequest) { r.ToPostcode = "20A0" }},
		{"zero length", func(r *QuoteRequest) { r.Length = 0 }},
		{"too heavy", func(r *QuoteRequest) { r.Weight = 30 }},
		{"unknown service", func(r *QuoteRequest) { r.ServiceCode = "AUS_PARCEL_SLOW" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := c.Quote(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestQuoteRequiresAPIKey(t *testing.T) {
	c := NewAusPost("http://unused", "", time.Second, time.Minute)
	_, err := c.Quote(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrNotConfigured)
}
