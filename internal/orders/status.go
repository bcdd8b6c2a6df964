package orders

type Status string

const (
	StatusCreated       Status = "CREATED"
	StatusStockReserved Status = "STOCK_RESERVED"
	StatusPaid          Status = "PAID"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusCancelled     Status = "CANCELLED"
)

var validNext = map[Status]map[Status]bool{
	StatusCreated:       {StatusStockReserved: true, StatusFailed: true},
	StatusStockReserved: {StatusPaid: true, StatusFailed: true, StatusCancelled: true},
	StatusPaid:          {StatusCompleted: true, StatusCancelled: true},
	StatusCompleted:     {},
	StatusFailed:        {},
	StatusCancelled:     {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// CanCancel reports whether an order in this status may still be cancelled
// (and its reserved stock handed back).
func CanCancel(from Status) bool {
	return CanTransition(from, StatusCancelled)
}
