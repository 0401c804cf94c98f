package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"premium/internal/conf"
)

const requestTimeout = 5 * time.Second

// ConnectNATS establishes the shared connection to the billing bridge
func ConnectNATS(cfg conf.NATSConfig) (*nats.Conn, error) {
	natsURL := fmt.Sprintf("nats://%s:%s@%s:%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port)
	if cfg.Username == "" {
		natsURL = fmt.Sprintf("nats://%s:%s", cfg.Host, cfg.Port)
	}

	conn, err := nats.Connect(natsURL,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Errorf("connect billing bridge: %v", err)
	}

	log.Printf("Connected to billing bridge at %s:%s", cfg.Host, cfg.Port)
	return conn, nil
}

// NATSGateway adapts the billing bridge to the Gateway contract for one user
// session. Connect, product listing, history and finish use request/reply;
// purchase initiation is a fire-and-forget publish; purchase updates arrive
// on a per-user subject subscription.
type NATSGateway struct {
	conn   *nats.Conn
	prefix string
	userID string
	sub    *nats.Subscription
}

// NewNATSGateway creates a gateway bound to the given user session. The NATS
// connection is shared across sessions and owned by the caller.
func NewNATSGateway(conn *nats.Conn, cfg conf.NATSConfig, userID string) (*NATSGateway, error) {
	if conn == nil {
		return nil, errors.Errorf("new gateway: nats connection is nil")
	}
	if userID == "" {
		return nil, errors.Errorf("new gateway: user id is empty")
	}
	return &NATSGateway{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		userID: userID,
	}, nil
}

type connectRequest struct {
	User string `json:"user"`
}

type productsRequest struct {
	User       string   `json:"user"`
	ProductIDs []string `json:"product_ids"`
}

type purchaseRequest struct {
	User      string `json:"user"`
	ProductID string `json:"product_id"`
}

type historyRequest struct {
	User string `json:"user"`
}

type finishRequest struct {
	User          string `json:"user"`
	ProductID     string `json:"product_id"`
	TransactionID string `json:"transaction_id"`
	Consumable    bool   `json:"consumable"`
}

type finishResult struct {
	ResponseCode ResponseCode `json:"response_code"`
}

// request performs a JSON request/reply round trip on the given subject
func (g *NATSGateway) request(ctx context.Context, subject string, payload, result interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", subject, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	msg, err := g.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", subject, err)
	}

	if err := json.Unmarshal(msg.Data, result); err != nil {
		return fmt.Errorf("failed to parse %s reply: %w", subject, err)
	}
	return nil
}

func (g *NATSGateway) subject(op string) string {
	return fmt.Sprintf("%s.%s", g.prefix, op)
}

// Connect performs the store connection handshake
func (g *NATSGateway) Connect(ctx context.Context) (*ConnectResult, error) {
	var result ConnectResult
	if err := g.request(ctx, g.subject("connect"), connectRequest{User: g.userID}, &result); err != nil {
		return nil, err
	}
	log.Printf("Store connect handshake for user %s: %s", g.userID, result.ResponseCode)
	return &result, nil
}

// GetProducts queries the store for the given product identifiers
func (g *NATSGateway) GetProducts(ctx context.Context, ids []string) (*ProductsResult, error) {
	var result ProductsResult
	req := productsRequest{User: g.userID, ProductIDs: ids}
	if err := g.request(ctx, g.subject("products"), req, &result); err != nil {
		return nil, err
	}
	log.Printf("Store returned %d products for user %s (code %s)", len(result.Results), g.userID, result.ResponseCode)
	return &result, nil
}

// Purchase initiates a purchase flow. Fire-and-forget: the outcome is
// delivered through the listener, never through this call.
func (g *NATSGateway) Purchase(ctx context.Context, productID string) error {
	data, err := json.Marshal(purchaseRequest{User: g.userID, ProductID: productID})
	if err != nil {
		return fmt.Errorf("failed to marshal purchase request: %w", err)
	}
	if err := g.conn.Publish(g.subject("purchase"), data); err != nil {
		return fmt.Errorf("failed to publish purchase request: %w", err)
	}
	log.Printf("Purchase initiated for user %s, product %s", g.userID, productID)
	return nil
}

// GetPurchaseHistory lists the user's historical purchases
func (g *NATSGateway) GetPurchaseHistory(ctx context.Context) (*HistoryResult, error) {
	var result HistoryResult
	if err := g.request(ctx, g.subject("history"), historyRequest{User: g.userID}, &result); err != nil {
		return nil, err
	}
	log.Printf("Store returned %d history entries for user %s (code %s)", len(result.Results), g.userID, result.ResponseCode)
	return &result, nil
}

// SetListener subscribes to the per-user purchase update subject. The
// returned remove function unsubscribes; it is safe to call once.
func (g *NATSGateway) SetListener(handler func(PurchaseUpdate)) (func(), error) {
	if g.sub != nil {
		return nil, errors.Errorf("listener already registered for user %s", g.userID)
	}

	subject := fmt.Sprintf("%s.updates.%s", g.prefix, g.userID)
	sub, err := g.conn.Subscribe(subject, func(msg *nats.Msg) {
		var update PurchaseUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			log.Printf("Dropping malformed purchase update on %s: %v", subject, err)
			return
		}
		handler(update)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	g.sub = sub
	log.Printf("Purchase update listener registered on %s", subject)

	return func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("Failed to unsubscribe from %s: %v", subject, err)
		}
		g.sub = nil
	}, nil
}

// FinishTransaction acknowledges a processed transaction to the store.
// ALREADY_FINISHED replies count as success so redeliveries stay idempotent.
func (g *NATSGateway) FinishTransaction(ctx context.Context, event PurchaseEvent, consumable bool) error {
	req := finishRequest{
		User:          g.userID,
		ProductID:     event.ProductID,
		TransactionID: event.TransactionID,
		Consumable:    consumable,
	}
	var result finishResult
	if err := g.request(ctx, g.subject("finish"), req, &result); err != nil {
		return err
	}
	if !result.ResponseCode.IsOK() && result.ResponseCode != CodeAlreadyFinished {
		return fmt.Errorf("finish transaction %s rejected: %s", event.TransactionID, result.ResponseCode)
	}
	return nil
}

// Disconnect tears down the listener subscription. The shared NATS
// connection stays up for other sessions.
func (g *NATSGateway) Disconnect() error {
	if g.sub != nil {
		if err := g.sub.Unsubscribe(); err != nil {
			return fmt.Errorf("failed to remove listener: %w", err)
		}
		g.sub = nil
	}
	log.Printf("Store gateway disconnected for user %s", g.userID)
	return nil
}
