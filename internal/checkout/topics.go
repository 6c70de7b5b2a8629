package checkout

// One topic per stage: a stage's consumer reads its input, runs, and
// publishes its structured output onto the next topic. Stages of one
// checkout stay ordered via the partition key; unrelated checkouts
// interleave freely.
const (
	TopicValidate = "checkout.validate"
	TopicCreate   = "checkout.order.create"
	TopicDeduct   = "checkout.stock.deduct"
	TopicConfirm  = "checkout.confirm"
)

// Stage event types carried in the envelope.
const (
	EventCheckoutRequested  = "CheckoutRequested"
	EventInventoryValidated = "InventoryValidated"
	EventOrderCreated       = "OrderCreated"
	EventStockDeducted      = "StockDeducted"
)

// PartitionKey keeps all stage messages of one checkout on one
// partition so they never reorder.
func PartitionKey(id string) []byte { return []byte(id) }
