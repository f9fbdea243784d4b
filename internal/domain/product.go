package domain

// Product is the catalog view of a sellable item. The reservation service
// never writes it; total stock only changes when an order is committed.
type Product struct {
	ID         int64
	Name       string
	TotalStock int
	Active     bool
}
