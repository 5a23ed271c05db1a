package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sunbelt/shop/internal/errs"
	"github.com/sunbelt/shop/internal/model"
)

type PostgresStorage struct {
	db *pgxpool.Pool
}

func (store *PostgresStorage) initSchema(ctx context.Context) error {
	const initSchemaQuery = `
	CREATE TABLE IF NOT EXISTS customers (
		id SERIAL PRIMARY KEY,
		login TEXT UNIQUE NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS products (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		price NUMERIC(10,2) NOT NULL CHECK (price >= 0),
		stock INT NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS orders (
		id BIGSERIAL PRIMARY KEY,
		customer_id INT NOT NULL REFERENCES customers(id),
		amount NUMERIC(10,2) NOT NULL CHECK (amount >= 0.01),
		amount_paid NUMERIC(10,2) NOT NULL DEFAULT 0 CHECK (amount_paid >= 0),
		status TEXT NOT NULL DEFAULT 'PENDING',
		payment_status TEXT NOT NULL DEFAULT 'UNPAID',
		tracking_number TEXT UNIQUE,
		created_at TIMESTAMP DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS order_items (
		order_id BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		product_id BIGINT NOT NULL REFERENCES products(id),
		quantity INT NOT NULL CHECK (quantity > 0),
		price_at_time NUMERIC(10,2) NOT NULL,
		PRIMARY KEY (order_id, product_id)
	);
	CREATE TABLE IF NOT EXISTS payments (
		id BIGSERIAL PRIMARY KEY,
		order_id BIGINT NOT NULL REFERENCES orders(id) ON DELETE RESTRICT,
		amount NUMERIC(10,2) NOT NULL CHECK (amount > 0),
		phone_number TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		transaction_id TEXT UNIQUE,
		created_at TIMESTAMP DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_payments_order ON payments(order_id, status);`

	_, err := store.db.Exec(ctx, initSchemaQuery)
	return err
}

func NewPostgresStorage(ctx context.Context, databaseURI string) (*PostgresStorage, error) {
	db, err := pgxpool.New(ctx, databaseURI)
	if err != nil {
		return nil, err
	}

	storage := &PostgresStorage{db: db}

	if err := storage.Ping(ctx); err != nil {
		return nil, err
	}

	if err := storage.initSchema(ctx); err != nil {
		return nil, err
	}

	return storage, nil
}

func (store *PostgresStorage) Ping(ctx context.Context) error {
	return store.db.Ping(ctx)
}

func (s *PostgresStorage) GetCustomerByID(ctx context.Context, id int) (model.Customer, error) {
	const query = `SELECT id, login, phone FROM customers WHERE id = $1`

	var customer model.Customer

	err := s.db.QueryRow(ctx, query, id).Scan(&customer.ID, &customer.Login, &customer.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Customer{}, errs.ErrCustomerNotFound
		}
		return model.Customer{}, fmt.Errorf("get customer by id: %w", err)
	}

	return customer, nil
}

// CreateOrder persists the order first to obtain its identity, then the
// item snapshots, in one transaction. The amount is the sum of
// quantity x product price at this moment and never changes afterwards.
func (s *PostgresStorage) CreateOrder(ctx context.Context, customer model.Customer, items []model.OrderItemRequest) (model.Order, error) {
	const selectPriceQuery = `SELECT price FROM products WHERE id = $1`
	const insertOrderQuery = `
		INSERT INTO orders (customer_id, amount)
		VALUES ($1, $2)
		RETURNING id, status, payment_status, created_at`
	const insertItemQuery = `
		INSERT INTO order_items (order_id, product_id, quantity, price_at_time)
		VALUES ($1, $2, $3, $4)`

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return model.Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	total := decimal.Zero
	snapshots := make([]model.OrderItem, 0, len(items))
	for _, item := range items {
		var price decimal.Decimal
		err := tx.QueryRow(ctx, selectPriceQuery, item.ProductID).Scan(&price)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.Order{}, errs.ErrProductNotFound
			}
			return model.Order{}, fmt.Errorf("select product price: %w", err)
		}

		snapshots = append(snapshots, model.OrderItem{
			ProductID:   item.ProductID,
			Quantity:    item.Quantity,
			PriceAtTime: price,
		})
		total = total.Add(price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	if total.LessThan(decimal.RequireFromString("0.01")) {
		return model.Order{}, errs.Validation("items", "order total must be at least 0.01")
	}

	order := model.Order{
		CustomerID: customer.ID,
		Amount:     total,
		AmountPaid: decimal.Zero,
		Items:      snapshots,
	}

	err = tx.QueryRow(ctx, insertOrderQuery, customer.ID, total).
		Scan(&order.ID, &order.Status, &order.PaymentStatus, &order.CreatedAt)
	if err != nil {
		return model.Order{}, fmt.Errorf("insert order: %w", err)
	}

	for _, item := range snapshots {
		_, err := tx.Exec(ctx, insertItemQuery, order.ID, item.ProductID, item.Quantity, item.PriceAtTime)
		if err != nil {
			return model.Order{}, fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Order{}, fmt.Errorf("commit: %w", err)
	}

	return order, nil
}

func (s *PostgresStorage) GetOrder(ctx context.Context, customer model.Customer, orderID int64) (model.Order, error) {
	const orderQuery = `
		SELECT id, customer_id, amount, amount_paid, status, payment_status, tracking_number, created_at
		FROM orders
		WHERE id = $1 AND customer_id = $2`
	const itemsQuery = `
		SELECT product_id, quantity, price_at_time
		FROM order_items
		WHERE order_id = $1`

	var o model.Order
	err := s.db.QueryRow(ctx, orderQuery, orderID, customer.ID).Scan(
		&o.ID, &o.CustomerID, &o.Amount, &o.AmountPaid,
		&o.Status, &o.PaymentStatus, &o.TrackingNumber, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, errs.ErrOrderNotFound
		}
		return model.Order{}, fmt.Errorf("get order: %w", err)
	}

	rows, err := s.db.Query(ctx, itemsQuery, orderID)
	if err != nil {
		return model.Order{}, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item model.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.PriceAtTime); err != nil {
			return model.Order{}, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, item)
	}

	if err := rows.Err(); err != nil {
		return model.Order{}, fmt.Errorf("row iteration: %w", err)
	}

	return o, nil
}

func (s *PostgresStorage) GetCustomerOrders(ctx context.Context, customer model.Customer) ([]model.Order, error) {
	const query = `
		SELECT id, customer_id, amount, amount_paid, status, payment_status, tracking_number, created_at
		FROM orders
		WHERE customer_id = $1
		ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query, customer.ID)
	if err != nil {
		return nil, fmt.Errorf("get customer orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		err := rows.Scan(&o.ID, &o.CustomerID, &o.Amount, &o.AmountPaid,
			&o.Status, &o.PaymentStatus, &o.TrackingNumber, &o.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}

	return orders, nil
}

func (s *PostgresStorage) CreatePayment(ctx context.Context, payment model.Payment) (model.Payment, error) {
	const query = `
		INSERT INTO payments (order_id, amount, phone_number, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	payment.Status = model.PaymentPending
	err := s.db.QueryRow(ctx, query, payment.OrderID, payment.Amount, payment.PhoneNumber, payment.Status).
		Scan(&payment.ID, &payment.CreatedAt)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23503" {
			// foreign key violation: the order does not exist
			return model.Payment{}, errs.ErrOrderNotFound
		}
		return model.Payment{}, fmt.Errorf("insert payment: %w", err)
	}

	return payment, nil
}

// DeletePayment is the compensating rollback for a tentative payment whose
// gateway call failed. Only PENDING rows may be removed.
func (s *PostgresStorage) DeletePayment(ctx context.Context, paymentID int64) error {
	const query = `DELETE FROM payments WHERE id = $1 AND status = 'PENDING'`

	cmdTag, err := s.db.Exec(ctx, query, paymentID)
	if err != nil {
		return fmt.Errorf("delete payment: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return errs.ErrPaymentNotFound
	}

	return nil
}

// CompleteAndApplyPayment is the reconciliation unit: it marks the payment
// COMPLETED and credits the order in one serializable step. Both rows are
// locked, so a concurrent call on the same order re-reads amount_paid after
// this one commits and the over-payment check never sees a stale balance.
// An empty transactionID keeps whatever the payment already carries.
func (s *PostgresStorage) CompleteAndApplyPayment(ctx context.Context, paymentID int64, transactionID string) (model.Order, model.Payment, error) {
	const lockPaymentQuery = `
		SELECT id, order_id, amount, phone_number, status, transaction_id, created_at
		FROM payments
		WHERE id = $1
		FOR UPDATE`
	const lockOrderQuery = `
		SELECT id, customer_id, amount, amount_paid, status, payment_status, tracking_number, created_at
		FROM orders
		WHERE id = $1
		FOR UPDATE`
	const completePaymentQuery = `
		UPDATE payments
		SET status = $2, transaction_id = COALESCE(NULLIF($3, ''), transaction_id)
		WHERE id = $1
		RETURNING transaction_id`
	const updateOrderQuery = `
		UPDATE orders
		SET amount_paid = $2, payment_status = $3, tracking_number = COALESCE(tracking_number, $4)
		WHERE id = $1
		RETURNING tracking_number`

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return model.Order{}, model.Payment{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var p model.Payment
	err = tx.QueryRow(ctx, lockPaymentQuery, paymentID).Scan(
		&p.ID, &p.OrderID, &p.Amount, &p.PhoneNumber, &p.Status, &p.TransactionID, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, model.Payment{}, errs.ErrPaymentNotFound
		}
		return model.Order{}, model.Payment{}, fmt.Errorf("lock payment: %w", err)
	}

	// idempotency: a COMPLETED payment is credited exactly once
	if p.Status == model.PaymentCompleted {
		return model.Order{}, model.Payment{}, errs.ErrDuplicatePayment
	}
	if p.Status != model.PaymentPending {
		return model.Order{}, model.Payment{}, errs.ErrPaymentNotPending
	}

	var o model.Order
	err = tx.QueryRow(ctx, lockOrderQuery, p.OrderID).Scan(
		&o.ID, &o.CustomerID, &o.Amount, &o.AmountPaid,
		&o.Status, &o.PaymentStatus, &o.TrackingNumber, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, model.Payment{}, errs.ErrOrderNotFound
		}
		return model.Order{}, model.Payment{}, fmt.Errorf("lock order: %w", err)
	}

	if o.Status == model.OrderCancelled {
		return model.Order{}, model.Payment{}, errs.ErrOrderNotPayable
	}

	if p.Amount.GreaterThan(o.RemainingBalance()) {
		return model.Order{}, model.Payment{}, errs.ErrOverpayment
	}

	p.Status = model.PaymentCompleted
	err = tx.QueryRow(ctx, completePaymentQuery, p.ID, p.Status, transactionID).Scan(&p.TransactionID)
	if err != nil {
		return model.Order{}, model.Payment{}, fmt.Errorf("complete payment: %w", err)
	}

	o.AmountPaid = o.AmountPaid.Add(p.Amount)
	o.PaymentStatus = model.DerivePaymentStatus(o.Amount, o.AmountPaid)

	// the tracking number is assigned the instant the order becomes PAID
	// and never recomputed; COALESCE in the update keeps an existing one
	var trackingNumber *string
	if o.PaymentStatus == model.Paid && o.TrackingNumber == nil {
		tn := model.TrackingNumber(o.ID, time.Now())
		trackingNumber = &tn
	}

	err = tx.QueryRow(ctx, updateOrderQuery, o.ID, o.AmountPaid, o.PaymentStatus, trackingNumber).Scan(&o.TrackingNumber)
	if err != nil {
		return model.Order{}, model.Payment{}, fmt.Errorf("update order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Order{}, model.Payment{}, fmt.Errorf("commit: %w", err)
	}

	return o, p, nil
}

// FailPayment marks a still-PENDING payment FAILED. Terminal payments are
// left untouched; the call is a no-op for them.
func (s *PostgresStorage) FailPayment(ctx context.Context, paymentID int64) error {
	const query = `UPDATE payments SET status = 'FAILED' WHERE id = $1 AND status = 'PENDING'`

	_, err := s.db.Exec(ctx, query, paymentID)
	if err != nil {
		return fmt.Errorf("fail payment: %w", err)
	}

	return nil
}

// FindPaymentForOrder resolves a gateway callback that only carries the
// order id. A PENDING payment wins over finished ones so a partial-payment
// order routes the callback to the attempt still in flight; with none
// pending the newest payment is returned, letting replays no-op.
func (s *PostgresStorage) FindPaymentForOrder(ctx context.Context, orderID int64) (model.Payment, error) {
	const query = `
		SELECT id, order_id, amount, phone_number, status, transaction_id, created_at
		FROM payments
		WHERE order_id = $1
		ORDER BY (status = 'PENDING') DESC, created_at DESC, id DESC
		LIMIT 1`

	var p model.Payment
	err := s.db.QueryRow(ctx, query, orderID).Scan(
		&p.ID, &p.OrderID, &p.Amount, &p.PhoneNumber, &p.Status, &p.TransactionID, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Payment{}, errs.ErrPaymentNotFound
		}
		return model.Payment{}, fmt.Errorf("find payment for order: %w", err)
	}

	return p, nil
}

func (s *PostgresStorage) GetStalePendingPayments(ctx context.Context, cutoff time.Time) ([]model.Payment, error) {
	const query = `
		SELECT id, order_id, amount, phone_number, status, transaction_id, created_at
		FROM payments
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC`

	rows, err := s.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("get stale pending payments: %w", err)
	}
	defer rows.Close()

	var list []model.Payment
	for rows.Next() {
		var p model.Payment
		err := rows.Scan(&p.ID, &p.OrderID, &p.Amount, &p.PhoneNumber, &p.Status, &p.TransactionID, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan pending payment: %w", err)
		}
		list = append(list, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return list, nil
}
