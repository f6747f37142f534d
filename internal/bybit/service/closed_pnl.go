package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"tradepilot/internal/bybit/entity"
)

const (
	closedPnLWindow    = 7 * 24 * time.Hour
	closedPnLPageLimit = 100
)

type closedPnLResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		OrderID       string `json:"orderId"`
		Side          string `json:"side"`
		ClosedSize    string `json:"closedSize"`
		AvgEntryPrice string `json:"avgEntryPrice"`
		AvgExitPrice  string `json:"avgExitPrice"`
		CumEntryValue string `json:"cumEntryValue"`
		CumExitValue  string `json:"cumExitValue"`
		OpenFee       string `json:"openFee"`
		CloseFee      string `json:"closeFee"`
		ClosedPnl     string `json:"closedPnl"`
		CreatedTime   string `json:"createdTime"`
		UpdatedTime   string `json:"updatedTime"`
	} `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

// closedPnLRecords собирает записи closed-pnl за [from, to) окнами не длиннее 7 дней
func (g *Gateway) closedPnLRecords(ctx context.Context, creds *entity.Credentials, symbol string, from, to time.Time) ([]entity.ClosedPnLRecord, error) {
	var out []entity.ClosedPnLRecord

	for start := from; start.Before(to); start = start.Add(closedPnLWindow) {
		end := start.Add(closedPnLWindow)
		if end.After(to) {
			end = to
		}

		cursor := ""
		for page := 0; page < 50; page++ {
			params := map[string]string{
				"category":  CategoryLinear,
				"startTime": strconv.FormatInt(start.UnixMilli(), 10),
				"endTime":   strconv.FormatInt(end.UnixMilli(), 10),
				"limit":     strconv.Itoa(closedPnLPageLimit),
			}
			if symbol != "" {
				params["symbol"] = symbol
			}
			if cursor != "" {
				params["cursor"] = cursor
			}

			raw, err := g.client.get(ctx, BybitAPIVersion+"/position/closed-pnl", params, creds)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch closed pnl: %w", err)
			}
			var res closedPnLResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return nil, fmt.Errorf("failed to parse closed pnl: %w", err)
			}
			out = append(out, convertClosedPnL(res)...)

			if res.NextPageCursor == "" || len(res.List) == 0 {
				break
			}
			cursor = res.NextPageCursor
		}
	}
	return out, nil
}

func convertClosedPnL(res closedPnLResult) []entity.ClosedPnLRecord {
	out := make([]entity.ClosedPnLRecord, 0, len(res.List))
	for _, r := range res.List {
		out = append(out, entity.ClosedPnLRecord{
			Symbol:      r.Symbol,
			Side:        entity.Side(r.Side),
			OrderID:     r.OrderID,
			ClosedSize:  parseFloat(r.ClosedSize),
			AvgEntry:    parseFloat(r.AvgEntryPrice),
			AvgExit:     parseFloat(r.AvgExitPrice),
			EntryValue:  parseFloat(r.CumEntryValue),
			ExitValue:   parseFloat(r.CumExitValue),
			OpenFee:     parseFloat(r.OpenFee),
			CloseFee:    parseFloat(r.CloseFee),
			ClosedPnl:   parseFloat(r.ClosedPnl),
			CreatedTime: parseMillis(r.CreatedTime),
			UpdatedTime: parseMillis(r.UpdatedTime),
		})
	}
	return out
}

// ClosedPnL суммирует реализованный PnL за окно и считает прибыльные/убыточные закрытия
func (g *Gateway) ClosedPnL(ctx context.Context, creds *entity.Credentials, from, to time.Time) (entity.PnLSummary, error) {
	records, err := g.closedPnLRecords(ctx, creds, "", from, to)
	if err != nil {
		return entity.PnLSummary{}, err
	}
	var s entity.PnLSummary
	for _, r := range records {
		s.Total += r.ClosedPnl
		s.Count++
		switch {
		case r.ClosedPnl > 0:
			s.Wins++
		case r.ClosedPnl < 0:
			s.Losses++
		}
	}
	return s, nil
}

// ClosedPnLForTrade агрегирует закрытия позиции side по символу начиная с from.
// Тип выхода берётся из stopOrderType самого позднего закрывающего ордера.
func (g *Gateway) ClosedPnLForTrade(ctx context.Context, creds *entity.Credentials, symbol string, side entity.Side, from time.Time) (entity.TradePnL, error) {
	to := g.now().UTC()
	if from.IsZero() || !from.Before(to) {
		from = to.Add(-6 * time.Hour)
	}
	records, err := g.closedPnLRecords(ctx, creds, symbol, from, to.Add(time.Second))
	if err != nil {
		return entity.TradePnL{}, err
	}

	closing := side.Opposite()
	matched := records[:0:0]
	for _, r := range records {
		if r.Side == closing {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return entity.TradePnL{ExitType: entity.ExitUnknown}, nil
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedTime.Before(matched[j].UpdatedTime) })

	var agg entity.TradePnL
	var exitNotional float64
	for _, r := range matched {
		gross := r.ExitValue - r.EntryValue
		if side == entity.SideSell {
			gross = -gross
		}
		agg.Gross += gross
		agg.Fees += r.OpenFee + r.CloseFee
		agg.Net += r.ClosedPnl
		agg.Qty += r.ClosedSize
		exitNotional += r.AvgExit * r.ClosedSize
	}
	agg.Funding = agg.Net - (agg.Gross - agg.Fees)
	if agg.Qty > 0 {
		agg.ExitPrice = exitNotional / agg.Qty
	}
	agg.Records = len(matched)

	latest := matched[len(matched)-1]
	agg.ExitType = g.exitTypeOf(ctx, creds, symbol, latest.OrderID)
	return agg, nil
}

// LastClosedPnL последняя запись closed-pnl по символу и тип её закрывающего ордера
func (g *Gateway) LastClosedPnL(ctx context.Context, creds *entity.Credentials, symbol string) (*entity.ClosedPnLRecord, entity.ExitType, error) {
	raw, err := g.client.get(ctx, BybitAPIVersion+"/position/closed-pnl", map[string]string{
		"category": CategoryLinear,
		"symbol":   symbol,
		"limit":    "1",
	}, creds)
	if err != nil {
		return nil, entity.ExitUnknown, fmt.Errorf("failed to fetch closed pnl: %w", err)
	}
	var res closedPnLResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, entity.ExitUnknown, fmt.Errorf("failed to parse closed pnl: %w", err)
	}
	records := convertClosedPnL(res)
	if len(records) == 0 {
		return nil, entity.ExitUnknown, nil
	}
	rec := records[0]
	return &rec, g.exitTypeOf(ctx, creds, symbol, rec.OrderID), nil
}

func (g *Gateway) exitTypeOf(ctx context.Context, creds *entity.Credentials, symbol, orderID string) entity.ExitType {
	if orderID == "" {
		return entity.ExitUnknown
	}
	info, err := g.QueryOrder(ctx, creds, symbol, orderID)
	if err != nil {
		g.logger.Debug().Err(err).Str("symbol", symbol).Str("order_id", orderID).Msg("closing order lookup failed")
		return entity.ExitUnknown
	}
	return entity.ExitTypeFromStopOrderType(info.StopOrderType)
}
