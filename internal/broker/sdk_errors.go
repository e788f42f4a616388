package broker

import (
	"errors"

	alpaca "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"deltabridge/internal/apperr"
)

// translateSDKErr maps an error returned by the alpacahq trading SDK onto
// the shared gateway failure taxonomy so callers never branch on SDK
// types directly.
func translateSDKErr(err error) *apperr.Error {
	if err == nil {
		return nil
	}

	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return classifyHTTPStatus(apiErr.StatusCode, apiErr.Message)
	}

	return classifyTransportErr(err)
}

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
