package common

import "context"

type ctxKey string

const customerIDKey ctxKey = "checkout/customer-id"

// WithCustomerID stores the gateway-authenticated customer id on ctx.
func WithCustomerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, customerIDKey, id)
}

// CustomerID extracts the customer id from ctx if present.
func CustomerID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(customerIDKey).(string)
	return id, ok
}
