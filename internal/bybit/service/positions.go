package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"tradepilot/internal/bybit/entity"
)

const positionsPageLimit = 200

type positionsResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Size          string `json:"size"`
		AvgPrice      string `json:"avgPrice"`
		MarkPrice     string `json:"markPrice"`
		UnrealisedPnl string `json:"unrealisedPnl"`
		PositionIM    string `json:"positionIM"`
		Leverage      string `json:"leverage"`
		StopLoss      string `json:"stopLoss"`
		TakeProfit    string `json:"takeProfit"`
		PositionIdx   int    `json:"positionIdx"`
	} `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

// ListPositions возвращает открытые linear позиции с живым PnL.
// Дубликаты по (symbol, side, positionIdx) сводятся к строке с наибольшим размером.
func (g *Gateway) ListPositions(ctx context.Context, creds *entity.Credentials) (map[entity.PositionKey]entity.Position, error) {
	return g.fetchPositions(ctx, creds, "")
}

func (g *Gateway) fetchPositions(ctx context.Context, creds *entity.Credentials, symbol string) (map[entity.PositionKey]entity.Position, error) {
	out := make(map[entity.PositionKey]entity.Position)
	cursor := ""

	for page := 0; page < 20; page++ {
		params := map[string]string{
			"category": CategoryLinear,
			"limit":    strconv.Itoa(positionsPageLimit),
		}
		if symbol != "" {
			params["symbol"] = symbol
		} else {
			params["settleCoin"] = "USDT"
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		raw, err := g.client.get(ctx, BybitAPIVersion+"/position/list", params, creds)
		if err != nil {
			return nil, fmt.Errorf("failed to list positions: %w", err)
		}
		var res positionsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("failed to parse positions: %w", err)
		}

		for _, item := range res.List {
			size := parseFloat(item.Size)
			if size <= 0 || (item.Side != string(entity.SideBuy) && item.Side != string(entity.SideSell)) {
				continue
			}
			pos := entity.Position{
				Symbol:        item.Symbol,
				Side:          entity.Side(item.Side),
				Size:          size,
				AvgPrice:      parseFloat(item.AvgPrice),
				MarkPrice:     parseFloat(item.MarkPrice),
				UnrealisedPnl: parseFloat(item.UnrealisedPnl),
				PositionIM:    parseFloat(item.PositionIM),
				Leverage:      parseFloat(item.Leverage),
				StopLoss:      parseFloat(item.StopLoss),
				TakeProfit:    parseFloat(item.TakeProfit),
				PositionIdx:   item.PositionIdx,
			}
			key := entity.PositionKey{Symbol: pos.Symbol, Side: pos.Side, Idx: pos.PositionIdx}
			if prev, ok := out[key]; ok && prev.Size >= pos.Size {
				continue
			}
			out[key] = pos

			if pos.PositionIdx != 0 {
				g.setHedge(creds, true)
			}
		}

		if res.NextPageCursor == "" || len(res.List) == 0 {
			break
		}
		cursor = res.NextPageCursor
	}

	return out, nil
}

// positionsForSymbol открытые позиции по одному символу
func (g *Gateway) positionsForSymbol(ctx context.Context, creds *entity.Credentials, symbol string) ([]entity.Position, error) {
	m, err := g.fetchPositions(ctx, creds, symbol)
	if err != nil {
		return nil, err
	}
	out := make([]entity.Position, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out, nil
}

// pickPosition выбирает позицию нужной стороны, иначе самую крупную
func pickPosition(positions []entity.Position, hint entity.Side) (entity.Position, bool) {
	var best entity.Position
	found := false
	for _, p := range positions {
		if hint != "" && p.Side == hint {
			return p, true
		}
		if !found || p.Size > best.Size {
			best = p
			found = true
		}
	}
	return best, found
}

func positionBySide(positions []entity.Position, side entity.Side) (entity.Position, bool) {
	for _, p := range positions {
		if p.Side == side {
			return p, true
		}
	}
	return entity.Position{}, false
}
