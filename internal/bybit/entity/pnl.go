package entity

import "time"

type ExitType string

const (
	ExitTakeProfit ExitType = "TakeProfit"
	ExitStopLoss   ExitType = "StopLoss"
	ExitUnknown    ExitType = "Unknown"
)

// ExitTypeFromStopOrderType сводит stopOrderType биржи к трём исходам
func ExitTypeFromStopOrderType(s string) ExitType {
	switch s {
	case "TakeProfit", "PartialTakeProfit":
		return ExitTakeProfit
	case "StopLoss", "PartialStopLoss", "TrailingStop":
		return ExitStopLoss
	default:
		return ExitUnknown
	}
}

type ClosedPnLRecord struct {
	Symbol      string
	Side        Side // сторона закрывающего ордера
	OrderID     string
	ClosedSize  float64
	AvgEntry    float64
	AvgExit     float64
	EntryValue  float64
	ExitValue   float64
	OpenFee     float64
	CloseFee    float64
	ClosedPnl   float64
	CreatedTime time.Time
	UpdatedTime time.Time
}

type PnLSummary struct {
	Total  float64
	Count  int
	Wins   int
	Losses int
}

// TradePnL агрегат закрытий по одной сделке
type TradePnL struct {
	Gross     float64
	Fees      float64
	Funding   float64
	Net       float64
	Qty       float64
	ExitPrice float64
	ExitType  ExitType
	Records   int
}

// HasEvidence — есть хоть какие-то следы закрытия на бирже
func (t TradePnL) HasEvidence() bool {
	return t.Gross != 0 || t.Fees != 0 || t.Funding != 0 || (t.ExitType != "" && t.ExitType != ExitUnknown)
}
