package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"deriflow/internal/metrics"
	"deriflow/logger"
	"deriflow/models"
)

// venueClient is the slice of the connector the manager needs. Venue I/O
// always happens before the table lock is taken; the lock only guards the
// map itself.
type venueClient interface {
	SubmitOrder(ctx context.Context, side models.Side, instrument string, quantity, price float64) models.RPCResponse
	CancelOrder(ctx context.Context, orderID string) models.RPCResponse
	ModifyOrder(ctx context.Context, orderID string, quantity, price float64) models.RPCResponse
}

// Manager tracks the orders this gateway has placed. The table mutates only
// on confirmed venue responses: a placement that errors creates no record, a
// cancel that is not confirmed removes none.
type Manager struct {
	venue venueClient
	log   *logger.Log

	mu     sync.Mutex
	orders map[string]models.Order
}

func NewManager(venue venueClient) *Manager {
	return &Manager{
		venue:  venue,
		log:    logger.GetLogger(),
		orders: make(map[string]models.Order),
	}
}

// PlaceOrder submits an order and records it under the venue-assigned id.
func (m *Manager) PlaceOrder(ctx context.Context, side models.Side, instrument string, quantity, price float64) (models.Order, error) {
	log := m.log.WithComponent("orders").WithFields(logger.Fields{
		"side":       side,
		"instrument": instrument,
	})

	resp := m.venue.SubmitOrder(ctx, side, instrument, quantity, price)
	if err := responseError(resp); err != nil {
		metrics.RecordOrder("place", "error")
		log.WithError(err).Error("order placement failed")
		return models.Order{}, err
	}

	orderID, err := orderIDFromResult(resp.Result)
	if err != nil {
		metrics.RecordOrder("place", "error")
		log.WithError(err).Error("order placement response missing order id")
		return models.Order{}, err
	}

	order := models.Order{
		OrderID:    orderID,
		Instrument: instrument,
		Side:       side,
		Quantity:   quantity,
		Price:      price,
	}

	m.mu.Lock()
	m.orders[orderID] = order
	m.mu.Unlock()

	metrics.RecordOrder("place", "ok")
	log.WithFields(logger.Fields{"order_id": orderID}).Info("order placed")
	return order, nil
}

// CancelOrder cancels an order and removes its record once the venue
// confirms with a true result.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) error {
	log := m.log.WithComponent("orders").WithFields(logger.Fields{"order_id": orderID})

	resp := m.venue.CancelOrder(ctx, orderID)
	if err := responseError(resp); err != nil {
		metrics.RecordOrder("cancel", "error")
		log.WithError(err).Error("order cancel failed")
		return err
	}

	var confirmed bool
	if err := json.Unmarshal(resp.Result, &confirmed); err != nil || !confirmed {
		metrics.RecordOrder("cancel", "error")
		log.Error("order cancel not confirmed")
		return fmt.Errorf("cancel of %s not confirmed", orderID)
	}

	m.mu.Lock()
	delete(m.orders, orderID)
	m.mu.Unlock()

	metrics.RecordOrder("cancel", "ok")
	log.Info("order cancelled")
	return nil
}

// ModifyOrder amends an order. The venue response carries the id of the
// amended order and that id keys the table update; when it matches no
// record the modification is logged and the table stays unchanged.
func (m *Manager) ModifyOrder(ctx context.Context, orderID string, quantity, price float64) error {
	log := m.log.WithComponent("orders").WithFields(logger.Fields{"order_id": orderID})

	resp := m.venue.ModifyOrder(ctx, orderID, quantity, price)
	if err := responseError(resp); err != nil {
		metrics.RecordOrder("modify", "error")
		log.WithError(err).Error("order modify failed")
		return err
	}

	returnedID, err := orderIDFromResult(resp.Result)
	if err != nil {
		metrics.RecordOrder("modify", "error")
		log.WithError(err).Error("order modify response missing order id")
		return err
	}

	m.mu.Lock()
	record, ok := m.orders[returnedID]
	if ok {
		record.Quantity = quantity
		record.Price = price
		m.orders[returnedID] = record
	}
	m.mu.Unlock()

	if !ok {
		log.WithFields(logger.Fields{"returned_id": returnedID}).Warn("modify confirmed for untracked order")
	}
	metrics.RecordOrder("modify", "ok")
	log.Info("order modified")
	return nil
}

// CurrentOrders returns a copy of the tracked orders, sorted by id.
func (m *Manager) CurrentOrders() []models.Order {
	m.mu.Lock()
	out := make([]models.Order, 0, len(m.orders))
	for _, order := range m.orders {
		out = append(out, order)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// Tracked reports whether an order id has a record.
func (m *Manager) Tracked(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.orders[orderID]
	return ok
}

func responseError(resp models.RPCResponse) error {
	if resp.IsEmpty() {
		return fmt.Errorf("no response from venue")
	}
	if resp.Error != nil {
		return fmt.Errorf("venue error %d: %s", resp.Error.Code, resp.ErrorMessage())
	}
	return nil
}

func orderIDFromResult(result json.RawMessage) (string, error) {
	var parsed struct {
		Order struct {
			OrderID string `json:"order_id"`
		} `json:"order"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", fmt.Errorf("unparsable order result: %w", err)
	}
	if parsed.Order.OrderID == "" {
		return "", fmt.Errorf("order result carries no order_id")
	}
	return parsed.Order.OrderID, nil
}
