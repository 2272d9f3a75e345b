package orders

type Status string

const (
	StatusPending         Status = "pending"
	StatusPendingShipment Status = "pending_shipment"
	StatusShipped         Status = "shipped"
	StatusCompleted       Status = "completed"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:         {StatusPendingShipment: true},
	StatusPendingShipment: {StatusShipped: true},
	StatusShipped:         {StatusCompleted: true},
	StatusCompleted:       {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}
