package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRulesUnavailable = errors.New("instrument rules unavailable")
	ErrSymbolNotTrading = errors.New("symbol is not trading")
	ErrQtyBelowMin      = errors.New("qty below minimum")
	ErrNotionalBelowMin = errors.New("notional below minimum")
	ErrStopWrongSide    = errors.New("stop loss on wrong side of last price")
	ErrNoPrice          = errors.New("price unavailable")
	ErrOrderNotFound    = errors.New("order not found")
	ErrNoCredentials    = errors.New("api credentials missing")
)

// Коды ответов Bybit v5, которые обрабатываются особо
const (
	retOK                  = 0
	retParamsError         = 10001
	retTimestampError      = 10002
	retRateLimit           = 10006
	retServerError         = 10016
	retOrderNotExists      = 110001
	retReduceOnlySameSide  = 110017
	retLeverageNotModified = 110043
	retNotModified         = 34040
)

type ErrorKind int

const (
	KindFatal ErrorKind = iota
	KindTransient
	KindValidation
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	default:
		return "fatal"
	}
}

// APIError ответ Bybit с retCode != 0
type APIError struct {
	Code int
	Msg  string
	Kind ErrorKind
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Bybit API error: %d - %s (%s)", e.Code, e.Msg, e.Kind)
}

func newAPIError(code int, msg string) *APIError {
	return &APIError{Code: code, Msg: msg, Kind: classify(code, msg)}
}

func classify(code int, msg string) ErrorKind {
	m := strings.ToLower(msg)
	switch {
	case code == retRateLimit, code == retServerError, code == retTimestampError:
		return KindTransient
	case strings.Contains(m, "base price"), strings.Contains(m, "idx not match"), strings.Contains(m, "position idx"):
		return KindTransient
	case code == retReduceOnlySameSide, strings.Contains(m, "same side"):
		return KindConflict
	case code == retOrderNotExists:
		return KindConflict
	case code == retParamsError:
		return KindValidation
	default:
		return KindFatal
	}
}

func apiErr(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func isNotModified(err error) bool {
	ae, ok := apiErr(err)
	return ok && (ae.Code == retNotModified || strings.Contains(strings.ToLower(ae.Msg), "not modified"))
}

func isLeverageNotModified(err error) bool {
	ae, ok := apiErr(err)
	return ok && (ae.Code == retLeverageNotModified || strings.Contains(strings.ToLower(ae.Msg), "leverage not modified"))
}

func isOrderNotExists(err error) bool {
	ae, ok := apiErr(err)
	return ok && ae.Code == retOrderNotExists
}

func isSameSideReduceOnly(err error) bool {
	ae, ok := apiErr(err)
	if !ok {
		return false
	}
	m := strings.ToLower(ae.Msg)
	return ae.Code == retReduceOnlySameSide || (strings.Contains(m, "reduce") && strings.Contains(m, "same side"))
}

func isIdxMismatch(err error) bool {
	ae, ok := apiErr(err)
	if !ok {
		return false
	}
	m := strings.ToLower(ae.Msg)
	return strings.Contains(m, "idx not match") || strings.Contains(m, "position idx")
}

func isBasePriceMoved(err error) bool {
	ae, ok := apiErr(err)
	return ok && strings.Contains(strings.ToLower(ae.Msg), "base price")
}

// IsTransient — ошибку имеет смысл повторить позже
func IsTransient(err error) bool {
	if ae, ok := apiErr(err); ok {
		return ae.Kind == KindTransient
	}
	return false
}

// IsValidation — запрос отклонён до или на бирже из-за параметров
func IsValidation(err error) bool {
	if errors.Is(err, ErrQtyBelowMin) || errors.Is(err, ErrNotionalBelowMin) ||
		errors.Is(err, ErrSymbolNotTrading) || errors.Is(err, ErrStopWrongSide) || errors.Is(err, ErrRulesUnavailable) {
		return true
	}
	if ae, ok := apiErr(err); ok {
		return ae.Kind == KindValidation
	}
	return false
}
