package store

import "context"

// ResponseCode classifies the outcome of a store call or purchase update
type ResponseCode string

const (
	CodeOK                 ResponseCode = "OK"
	CodeUserCanceled       ResponseCode = "USER_CANCELED"
	CodeServiceUnavailable ResponseCode = "SERVICE_UNAVAILABLE"
	CodeItemUnavailable    ResponseCode = "ITEM_UNAVAILABLE"
	CodeDeveloperError     ResponseCode = "DEVELOPER_ERROR"
	CodeAlreadyFinished    ResponseCode = "ALREADY_FINISHED"
	CodeError              ResponseCode = "ERROR"
)

// IsOK reports whether the code represents a successful outcome
func (c ResponseCode) IsOK() bool {
	return c == CodeOK
}

// Product is a purchasable offer descriptor as reported by the platform
// store. Immutable once fetched; refreshed only by re-querying the store.
type Product struct {
	ProductID    string `json:"product_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Price        string `json:"price"`
	CurrencyCode string `json:"currency_code"`
}

// PurchaseEvent is an opaque transaction record emitted by the store. The
// transaction id is unique per attempt but may repeat across redeliveries of
// the same unacknowledged transaction. The receipt payload is required for
// server-side verification.
type PurchaseEvent struct {
	ProductID     string `json:"product_id"`
	TransactionID string `json:"transaction_id"`
	Receipt       string `json:"receipt"`
}

// PurchaseUpdate is one asynchronous delivery from the store listener
type PurchaseUpdate struct {
	ResponseCode ResponseCode    `json:"response_code"`
	Results      []PurchaseEvent `json:"results,omitempty"`
}

// ConnectResult is the store connection handshake response
type ConnectResult struct {
	ResponseCode ResponseCode `json:"response_code"`
}

// ProductsResult is the product listing response
type ProductsResult struct {
	ResponseCode ResponseCode `json:"response_code"`
	Results      []Product    `json:"results,omitempty"`
}

// HistoryResult is the purchase history response
type HistoryResult struct {
	ResponseCode ResponseCode `json:"response_code"`
	Results      []PurchaseEvent `json:"results,omitempty"`
}

// Gateway is the contract the reconciliation engine consumes. Purchase is
// fire-and-forget: the outcome is delivered asynchronously through the
// registered listener. Finishing an already-finished transaction must be
// treated as success by implementations.
type Gateway interface {
	Connect(ctx context.Context) (*ConnectResult, error)
	GetProducts(ctx context.Context, ids []string) (*ProductsResult, error)
	Purchase(ctx context.Context, productID string) error
	GetPurchaseHistory(ctx context.Context) (*HistoryResult, error)
	SetListener(handler func(PurchaseUpdate)) (remove func(), err error)
	FinishTransaction(ctx context.Context, event PurchaseEvent, consumable bool) error
	Disconnect() error
}
