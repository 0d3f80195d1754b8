package redis

// Key prefixes for primary entity storage.
const (
	prefixKind         = "courier:evkind:"
	prefixSubscription = "courier:sub:"
	prefixEvent        = "courier:evt:"
	prefixDelivery     = "courier:del:"
	prefixDLQ          = "courier:dlq:"
)

// Key prefixes for unique indexes.
const (
	uniqueKindName  = "courier:u:evkind:name:"
	uniqueEventIdem = "courier:u:evt:idem:"
)

// Key prefixes for sorted set indexes.
const (
	zKindAll       = "courier:z:evkind:all"
	zSubTenant     = "courier:z:sub:tenant:" // + tenant ID
	zEventAll      = "courier:z:evt:all"
	zEventTenant   = "courier:z:evt:tenant:" // + tenant ID
	zDeliverySub   = "courier:z:del:sub:"    // + subscription ID
	zDeliveryEvt   = "courier:z:del:evt:"    // + event ID
	zDeliveryDue   = "courier:z:del:due"
	zDLQAll        = "courier:z:dlq:all"
	zDLQTenant     = "courier:z:dlq:tenant:" // + tenant ID
	zDLQSub        = "courier:z:dlq:sub:"    // + subscription ID
)

// Set indexes.
const (
	sSubActive = "courier:s:sub:tenant:" // + tenantID + ":active"
)

// entityKey returns the primary key for an entity.
func entityKey(prefix, id string) string {
	return prefix + id
}

// activeSetKey returns the set key for a tenant's active subscriptions.
func activeSetKey(tenantID string) string {
	return sSubActive + tenantID + ":active"
}
