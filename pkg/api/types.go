package api

// REST request/response DTOs. Prices are integer ticks and quantities integer
// lots, exactly as the engine sees them; display scaling belongs to clients.

type MarketInfo struct {
	Symbol      string `json:"symbol"`
	BaseAsset   string `json:"baseAsset"`
	QuoteAsset  string `json:"quoteAsset"`
	Status      string `json:"status"`
	PriceScale  int32  `json:"priceScale"`
	MaxLeverage int64  `json:"maxLeverage"`
	MakerFeeBps int64  `json:"makerFeeBps"`
	TakerFeeBps int64  `json:"takerFeeBps"`
	MinNotional int64  `json:"minNotional"`
}

type PriceLevel struct {
	Price int64 `json:"price"`
	Size  int64 `json:"size"`
}

type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

type TradeInfo struct {
	ID        uint64 `json:"id"`
	Symbol    string `json:"symbol"`
	Price     int64  `json:"price"`
	Qty       int64  `json:"qty"`
	TakerSide string `json:"takerSide"`
	Timestamp int64  `json:"timestamp"`
}

type BalanceInfo struct {
	Asset     string `json:"asset"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
}

type AccountInfo struct {
	Address  string        `json:"address"`
	Balances []BalanceInfo `json:"balances"`
}

type PositionInfo struct {
	Symbol        string `json:"symbol"`
	Size          int64  `json:"size"`
	EntryPrice    int64  `json:"entryPrice"`
	MarkPrice     int64  `json:"markPrice"`
	UnrealizedPnL int64  `json:"unrealizedPnl"`
	Margin        int64  `json:"margin"`
	Leverage      int64  `json:"leverage"`
}

type OrderInfo struct {
	OrderID      uint64 `json:"orderId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	Price        int64  `json:"price,omitempty"`
	TriggerPrice int64  `json:"triggerPrice,omitempty"`
	Qty          int64  `json:"qty"`
	Remaining    int64  `json:"remaining"`
	Leverage     int64  `json:"leverage"`
	Status       string `json:"status"`
	CreatedAt    int64  `json:"createdAt"`
}

type SubmitOrderRequest struct {
	Address      string `json:"address"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`         // buy | sell
	Type         string `json:"type"`         // limit | market | stop | take_profit
	Price        int64  `json:"price"`        // ticks, limit orders
	TriggerPrice int64  `json:"triggerPrice"` // ticks, stop/take-profit
	Qty          int64  `json:"qty"`          // lots
	Leverage     int64  `json:"leverage"`
}

type SubmitOrderResponse struct {
	OrderID uint64      `json:"orderId"`
	Status  string      `json:"status"`
	Trades  []TradeInfo `json:"trades,omitempty"`
}

type CancelOrderRequest struct {
	Address string `json:"address"`
	OrderID uint64 `json:"orderId"`
}

type CancelOrderResponse struct {
	OrderID uint64 `json:"orderId"`
	Status  string `json:"status"` // cancelled | not_found
}

type FlashLoanRequest struct {
	Address     string `json:"address"`
	Asset       string `json:"asset"`
	Principal   int64  `json:"principal"`
	StrategyRef string `json:"strategyRef"`
}

type FlashLoanResponse struct {
	LoanID    uint64 `json:"loanId"`
	Principal int64  `json:"principal"`
	Fee       int64  `json:"fee"`
	State     string `json:"state"`
}

type PoolInfo struct {
	Asset     string `json:"asset"`
	Liquidity int64  `json:"liquidity"`
}

type DepositRequest struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount"`
}

type ErrorResponse struct {
	Error   string `json:"error"` // stable reason code
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is the client->server subscription message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // subscribe | unsubscribe
	Channels []string `json:"channels"`
}
