package collab

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/petrijr/orderflow/internal/saga"
)

// restockLevel is the quantity of every item after a restock.
const restockLevel = 10

var stockedItems = []string{"milk", "bread", "apples", "oranges", "iPhone"}

// Inventory reserves items against a SQLite table.
type Inventory struct {
	db     *sql.DB
	logger *slog.Logger
	delay  time.Duration
}

// NewInventory creates the inventory table if needed and stocks it when empty.
func NewInventory(ctx context.Context, db *sql.DB, logger *slog.Logger, delay time.Duration) (*Inventory, error) {
	inv := &Inventory{db: db, logger: logger, delay: delay}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS inventory (
			item     TEXT PRIMARY KEY,
			quantity INTEGER NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("inventory schema: %w", err)
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inventory`).Scan(&n); err != nil {
		return nil, err
	}
	if n == 0 {
		if err := inv.Restock(ctx); err != nil {
			return nil, err
		}
	}
	return inv, nil
}

// Routes registers the inventory endpoints.
func (inv *Inventory) Routes(r chi.Router) {
	r.Get("/inventory", inv.handleGet)
	r.Post("/inventory/reserve", inv.handleReserve)
	r.Post("/inventory/restock", inv.handleRestock)
}

// Stock returns the current quantity per item.
func (inv *Inventory) Stock(ctx context.Context) (map[string]int, error) {
	rows, err := inv.db.QueryContext(ctx, `SELECT item, quantity FROM inventory`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stock := make(map[string]int)
	for rows.Next() {
		var (
			item string
			qty  int
		)
		if err := rows.Scan(&item, &qty); err != nil {
			return nil, err
		}
		stock[item] = qty
	}
	return stock, rows.Err()
}

// Restock resets every item to its restock level.
func (inv *Inventory) Restock(ctx context.Context) error {
	tx, err := inv.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM inventory`); err != nil {
		return err
	}
	for _, item := range stockedItems {
		if _, err := tx.ExecContext(ctx, `INSERT INTO inventory (item, quantity) VALUES (?, ?)`, item, restockLevel); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Reserve takes one unit per listed item, all or nothing. It reports false
// when any item is unknown or out of stock.
func (inv *Inventory) Reserve(ctx context.Context, items []string) (bool, error) {
	want := make(map[string]int)
	for _, item := range items {
		want[item]++
	}

	tx, err := inv.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	for item, n := range want {
		res, err := tx.ExecContext(ctx,
			`UPDATE inventory SET quantity = quantity - ? WHERE item = ? AND quantity >= ?`, n, item, n)
		if err != nil {
			return false, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if affected == 0 {
			return false, nil
		}
	}
	return true, tx.Commit()
}

func (inv *Inventory) handleGet(w http.ResponseWriter, r *http.Request) {
	stock, err := inv.Stock(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stock)
}

func (inv *Inventory) handleReserve(w http.ResponseWriter, r *http.Request) {
	var order saga.Order
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		http.Error(w, "invalid order", http.StatusBadRequest)
		return
	}
	inv.logger.InfoContext(r.Context(), "reserving inventory", slog.String("order_id", order.ID), slog.Any("items", order.Items))

	ok, err := inv.Reserve(r.Context(), order.Items)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSON(w, saga.InventoryResult{ID: order.ID, Success: false, Message: "Out of stock"})
		return
	}
	simulateWork(r.Context(), inv.delay)
	writeJSON(w, saga.InventoryResult{ID: order.ID, Success: true})
}

func (inv *Inventory) handleRestock(w http.ResponseWriter, r *http.Request) {
	inv.logger.InfoContext(r.Context(), "restocking inventory")
	if err := inv.Restock(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
