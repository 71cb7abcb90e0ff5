package order

// Status represents order lifecycle.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusPlaced   Status = "PLACED"
	StatusFilled   Status = "FILLED"
	StatusCanceled Status = "CANCELED"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}
