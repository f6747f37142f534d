package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradepilot/internal/bybit/entity"
)

type orderCreateResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// PlaceMarket открывает позицию рыночным ордером
func (g *Gateway) PlaceMarket(ctx context.Context, creds *entity.Credentials, req entity.OrderRequest) (entity.OrderResult, error) {
	price, err := g.MarketPrice(ctx, req.Symbol)
	if err != nil {
		return entity.OrderResult{}, err
	}
	return g.placeOrder(ctx, creds, req, entity.OrderTypeMarket, price)
}

// PlaceLimit выставляет лимитный ордер на открытие по req.Price
func (g *Gateway) PlaceLimit(ctx context.Context, creds *entity.Credentials, req entity.OrderRequest) (entity.OrderResult, error) {
	if req.Price <= 0 {
		return entity.OrderResult{}, fmt.Errorf("%w: limit price must be positive", ErrNoPrice)
	}
	return g.placeOrder(ctx, creds, req, entity.OrderTypeLimit, req.Price)
}

func (g *Gateway) placeOrder(ctx context.Context, creds *entity.Credentials, req entity.OrderRequest, orderType entity.OrderType, refPrice float64) (entity.OrderResult, error) {
	rules, err := g.rules.Get(ctx, req.Symbol)
	if err != nil {
		return entity.OrderResult{}, err
	}
	if !rules.Trading() {
		return entity.OrderResult{}, fmt.Errorf("%w: %s (%s)", ErrSymbolNotTrading, req.Symbol, rules.Status)
	}

	qty := roundDown(dec(req.Qty), rules.QtyStep)
	if qty.Sign() <= 0 || qty.LessThan(rules.MinQty) {
		return entity.OrderResult{}, fmt.Errorf("%w: %s qty=%s min=%s", ErrQtyBelowMin, req.Symbol, qty, rules.MinQty)
	}
	if rules.MinNotional.Sign() > 0 && qty.Mul(dec(refPrice)).LessThan(rules.MinNotional) {
		return entity.OrderResult{}, fmt.Errorf("%w: %s notional=%s min=%s", ErrNotionalBelowMin, req.Symbol, qty.Mul(dec(refPrice)), rules.MinNotional)
	}

	if req.Leverage > 0 {
		if err := g.setLeverage(ctx, creds, req.Symbol, req.Leverage); err != nil {
			return entity.OrderResult{}, err
		}
	}

	linkID := uuid.NewString()
	body := map[string]any{
		"category":    CategoryLinear,
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   string(orderType),
		"qty":         formatDec(qty),
		"orderLinkId": linkID,
	}
	var price decimal.Decimal
	if orderType == entity.OrderTypeLimit {
		price = roundDown(dec(req.Price), rules.TickSize)
		body["price"] = formatDec(price)
		body["timeInForce"] = "GTC"
	}
	if req.TakeProfit > 0 {
		body["takeProfit"] = formatDec(roundDown(dec(req.TakeProfit), rules.TickSize))
		body["tpTriggerBy"] = "LastPrice"
	}
	if req.StopLoss > 0 {
		body["stopLoss"] = formatDec(roundDown(dec(req.StopLoss), rules.TickSize))
		body["slTriggerBy"] = "LastPrice"
	}
	if req.TakeProfit > 0 || req.StopLoss > 0 {
		body["tpslMode"] = "Full"
	}

	hedge := g.isHedge(creds)
	setIdx := func(h bool) {
		if h {
			body["positionIdx"] = req.Side.HedgeIdx()
		} else {
			body["positionIdx"] = 0
		}
	}
	setIdx(hedge)

	res, err := g.createOrder(ctx, creds, body)
	if err != nil && isIdxMismatch(err) {
		g.logger.Info().Str("symbol", req.Symbol).Bool("hedge", !hedge).Msg("position mode mismatch, retrying with toggled positionIdx")
		setIdx(!hedge)
		res, err = g.createOrder(ctx, creds, body)
		if err == nil {
			g.setHedge(creds, !hedge)
		}
	}
	if err != nil {
		return entity.OrderResult{}, err
	}

	g.logger.Info().Str("symbol", req.Symbol).Str("side", string(req.Side)).Str("type", string(orderType)).
		Str("qty", formatDec(qty)).Str("order_id", res.OrderID).Msg("order placed")

	return entity.OrderResult{
		OrderID:     res.OrderID,
		OrderLinkID: res.OrderLinkID,
		Qty:         qty.InexactFloat64(),
		Price:       price.InexactFloat64(),
	}, nil
}

func (g *Gateway) createOrder(ctx context.Context, creds *entity.Credentials, body map[string]any) (orderCreateResult, error) {
	raw, err := g.client.post(ctx, BybitAPIVersion+"/order/create", body, creds)
	if err != nil {
		return orderCreateResult{}, err
	}
	var res orderCreateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return orderCreateResult{}, fmt.Errorf("failed to parse order response: %w", err)
	}
	return res, nil
}

// setLeverage выставляет одинаковое плечо на обе стороны. "leverage not modified" считается успехом.
func (g *Gateway) setLeverage(ctx context.Context, creds *entity.Credentials, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	_, err := g.client.post(ctx, BybitAPIVersion+"/position/set-leverage", map[string]any{
		"category":     CategoryLinear,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}, creds)
	if err != nil && !isLeverageNotModified(err) {
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	return nil
}

// CancelOrder отменяет ордер. Уже несуществующий ордер считается отменённым.
func (g *Gateway) CancelOrder(ctx context.Context, creds *entity.Credentials, symbol, orderID string) error {
	_, err := g.client.post(ctx, BybitAPIVersion+"/order/cancel", map[string]any{
		"category": CategoryLinear,
		"symbol":   symbol,
		"orderId":  orderID,
	}, creds)
	if err != nil && !isOrderNotExists(err) {
		return err
	}
	return nil
}

type ordersResult struct {
	List []struct {
		OrderID       string `json:"orderId"`
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		OrderStatus   string `json:"orderStatus"`
		Price         string `json:"price"`
		Qty           string `json:"qty"`
		CumExecQty    string `json:"cumExecQty"`
		AvgPrice      string `json:"avgPrice"`
		StopOrderType string `json:"stopOrderType"`
		CreatedTime   string `json:"createdTime"`
		UpdatedTime   string `json:"updatedTime"`
	} `json:"list"`
}

// QueryOrder ищет ордер среди открытых, затем в истории
func (g *Gateway) QueryOrder(ctx context.Context, creds *entity.Credentials, symbol, orderID string) (entity.OrderInfo, error) {
	for _, path := range []string{"/order/realtime", "/order/history"} {
		params := map[string]string{
			"category": CategoryLinear,
			"orderId":  orderID,
		}
		if symbol != "" {
			params["symbol"] = symbol
		}
		raw, err := g.client.get(ctx, BybitAPIVersion+path, params, creds)
		if err != nil {
			return entity.OrderInfo{}, err
		}
		var res ordersResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return entity.OrderInfo{}, fmt.Errorf("failed to parse orders: %w", err)
		}
		if len(res.List) == 0 {
			continue
		}
		o := res.List[0]
		return entity.OrderInfo{
			OrderID:       o.OrderID,
			Symbol:        o.Symbol,
			Side:          entity.Side(o.Side),
			Status:        entity.OrderStatus(o.OrderStatus),
			Price:         parseFloat(o.Price),
			Qty:           parseFloat(o.Qty),
			CumExecQty:    parseFloat(o.CumExecQty),
			AvgPrice:      parseFloat(o.AvgPrice),
			StopOrderType: o.StopOrderType,
			CreatedTime:   parseMillis(o.CreatedTime),
			UpdatedTime:   parseMillis(o.UpdatedTime),
		}, nil
	}
	return entity.OrderInfo{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
}

// ClosePartial закрывает часть позиции reduce-only рыночным ордером.
// Сторона и positionIdx берутся из свежего снимка позиции, а не из локального состояния.
func (g *Gateway) ClosePartial(ctx context.Context, creds *entity.Credentials, symbol string, qty float64, sideHint entity.Side) (entity.CloseResult, error) {
	rules, err := g.rules.Get(ctx, symbol)
	if err != nil {
		return entity.CloseResult{}, err
	}

	positions, err := g.positionsForSymbol(ctx, creds, symbol)
	if err != nil {
		return entity.CloseResult{}, err
	}
	pos, ok := pickPosition(positions, sideHint)
	if !ok {
		return entity.CloseResult{Skipped: entity.SkipNoOpenPosition}, nil
	}

	want := dec(qty)
	if size := dec(pos.Size); want.GreaterThan(size) {
		want = size
	}
	closeQty := roundDown(want, rules.QtyStep)
	if closeQty.Sign() <= 0 || closeQty.LessThan(rules.MinQty) {
		return entity.CloseResult{Skipped: entity.SkipQtyBelowMin}, nil
	}

	closeSide := pos.Side.Opposite()
	idx := pos.PositionIdx
	body := func() map[string]any {
		b := map[string]any{
			"category":    CategoryLinear,
			"symbol":      symbol,
			"side":        string(closeSide),
			"orderType":   string(entity.OrderTypeMarket),
			"qty":         formatDec(closeQty),
			"reduceOnly":  true,
			"timeInForce": "IOC",
			"orderLinkId": uuid.NewString(),
		}
		if idx != 0 {
			b["positionIdx"] = idx
		}
		return b
	}

	res, err := g.createOrder(ctx, creds, body())
	flipped, toggled := false, false
	for err != nil {
		switch {
		case isSameSideReduceOnly(err) && !flipped:
			flipped = true
			// позиция могла смениться между чтением и отправкой
			positions, rerr := g.positionsForSymbol(ctx, creds, symbol)
			if rerr != nil {
				return entity.CloseResult{}, rerr
			}
			fresh, ok := pickPosition(positions, "")
			if !ok {
				return entity.CloseResult{Skipped: entity.SkipNoOpenPosition}, nil
			}
			closeSide = fresh.Side.Opposite()
			idx = fresh.PositionIdx
			if size := dec(fresh.Size); closeQty.GreaterThan(size) {
				closeQty = roundDown(size, rules.QtyStep)
			}
			g.logger.Warn().Str("symbol", symbol).Str("close_side", string(closeSide)).Msg("reduce-only same side, flipping close side")
		case isIdxMismatch(err) && !toggled:
			toggled = true
			if idx != 0 {
				idx = 0
			} else {
				idx = closeSide.Opposite().HedgeIdx()
			}
			g.logger.Warn().Str("symbol", symbol).Int("position_idx", idx).Msg("position idx mismatch, toggling")
		default:
			return entity.CloseResult{}, err
		}
		res, err = g.createOrder(ctx, creds, body())
	}

	g.logger.Info().Str("symbol", symbol).Str("side", string(closeSide)).Str("qty", formatDec(closeQty)).
		Str("order_id", res.OrderID).Msg("reduce-only close sent")

	return entity.CloseResult{
		Sent:    true,
		OrderID: res.OrderID,
		Side:    closeSide,
		Qty:     closeQty.InexactFloat64(),
	}, nil
}

// waitOrCancel ждёт d или отмены контекста
func waitOrCancel(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var errRetryBudget = errors.New("retry budget exhausted")
