package reqctx

import (
	"maps"

	"github.com/Sentinel-Gate/filtergate/internal/domain/clock"
)

// Names of the built-in context nodes.
const (
	TransactionIDName = "transactionId"
	ClientName        = "client"
	RequestAuditName  = "requestAudit"
	AttributesName    = "attributes"
)

// TransactionID correlates every record produced for one request.
type TransactionID struct {
	Value string
}

// ClientInfo describes the network endpoints of an inbound request.
type ClientInfo struct {
	RemoteAddress string
	RemotePort    int
	LocalAddress  string
	LocalName     string
	LocalPort     int
	UserAgent     string
	Secure        bool
}

// RequestAudit records when the request entered the gateway.
type RequestAudit struct {
	ReceivedTime int64
}

// Attributes is a read-only bag of request-scoped values.
type Attributes struct {
	values map[string]any
}

// Get returns the attribute called key.
func (a Attributes) Get(key string) (any, bool) {
	v, ok := a.values[key]
	return v, ok
}

// All returns a copy of every attribute.
func (a Attributes) All() map[string]any {
	return maps.Clone(a.values)
}

// WithTransactionID adds the transaction id of the request.
func WithTransactionID(parent *Context, id string) *Context {
	return Extend(parent, TransactionIDName, TransactionID{Value: id})
}

// WithClient adds the inbound connection details.
func WithClient(parent *Context, info ClientInfo) *Context {
	return Extend(parent, ClientName, info)
}

// WithRequestAudit stamps the received time read from ts.
func WithRequestAudit(parent *Context, ts clock.TimeService) *Context {
	return Extend(parent, RequestAuditName, RequestAudit{ReceivedTime: ts.Now()})
}

// WithAttributes adds a copy of values.
func WithAttributes(parent *Context, values map[string]any) *Context {
	return Extend(parent, AttributesName, Attributes{values: maps.Clone(values)})
}

// TransactionIDFrom returns the transaction id visible from c, or "".
func TransactionIDFrom(c *Context) string {
	if tx, ok := Find[TransactionID](c); ok {
		return tx.Value
	}
	return ""
}

// ClientFrom returns the client info visible from c.
func ClientFrom(c *Context) (ClientInfo, bool) {
	return Find[ClientInfo](c)
}

// RequestAuditFrom returns the request audit info visible from c.
func RequestAuditFrom(c *Context) (RequestAudit, bool) {
	return Find[RequestAudit](c)
}

// AttributesFrom returns the attributes visible from c.
func AttributesFrom(c *Context) (Attributes, bool) {
	return Find[Attributes](c)
}
