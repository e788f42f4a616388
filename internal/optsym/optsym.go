// Package optsym parses and formats OCC-style option symbols, the wire
// format Alpaca (and most US equity options brokers) use to identify a
// contract: a root symbol, a 6-digit expiry, a C/P flag, and an 8-digit
// strike scaled by 1000. This mirrors the underlying/expiry/strike/right
// symbol algebra of the original system's Deribit<->broker symbol
// converter, adapted to the one wire format this system's broker uses.
package optsym

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"deltabridge/internal/apperr"
	"deltabridge/internal/models"
)

// Format builds an OCC symbol like "AAPL240119C00195000" from its parts.
// The root is not padded: the classic OCC convention space-pads it to 6
// characters, but this system always emits the unpadded root directly
// abutting the date, which is what Alpaca expects.
func Format(underlying string, expiry time.Time, right models.Right, strike float64) string {
	flag := "C"
	if right == models.RightPut {
		flag = "P"
	}
	strikeThousandths := int64(strike*1000 + 0.5)
	return fmt.Sprintf("%s%s%s%08d", underlying, expiry.Format("060102"), flag, strikeThousandths)
}

// Parse splits an OCC symbol back into its underlying, expiry, right, and
// strike. It locates the date by scanning for the first run of 6 digits
// immediately followed by 'C' or 'P', since root symbols themselves never
// contain digits.
func Parse(symbol string) (underlying string, expiry time.Time, right models.Right, strike float64, err error) {
	symbol = strings.TrimSpace(symbol)

	flagIdx := -1
	for i := 0; i < len(symbol); i++ {
		if (symbol[i] == 'C' || symbol[i] == 'P') && i >= 6 {
			datePart := symbol[i-6 : i]
			if isAllDigits(datePart) {
				flagIdx = i
				break
			}
		}
	}
	if flagIdx == -1 {
		return "", time.Time{}, "", 0, apperr.New(apperr.KindMalformed, "could not locate OCC date/flag in symbol "+symbol)
	}

	root := symbol[:flagIdx-6]
	datePart := symbol[flagIdx-6 : flagIdx]
	flag := symbol[flagIdx]
	strikePart := symbol[flagIdx+1:]

	if len(strikePart) != 8 {
		return "", time.Time{}, "", 0, apperr.New(apperr.KindMalformed, "OCC strike segment must be 8 digits in "+symbol)
	}

	expiry, perr := time.Parse("060102", datePart)
	if perr != nil {
		return "", time.Time{}, "", 0, apperr.Wrap(apperr.KindMalformed, "invalid OCC expiry in "+symbol, perr)
	}

	strikeThousandths, serr := strconv.ParseInt(strikePart, 10, 64)
	if serr != nil {
		return "", time.Time{}, "", 0, apperr.Wrap(apperr.KindMalformed, "invalid OCC strike in "+symbol, serr)
	}

	r := models.RightCall
	if flag == 'P' {
		r = models.RightPut
	}

	return root, expiry, r, float64(strikeThousandths) / 1000, nil
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
