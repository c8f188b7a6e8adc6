package runtime

import (
	"context"
	"fmt"

	"whitelistpayouts/core/identity"
)

// ServiceCall describes a call routed to a remote service.
type ServiceCall struct {
	Caller   identity.AccountID
	Receiver identity.AccountID
	Method   string
	Args     []byte
}

// Service is an account whose calls are answered outside the host, for
// example by an HTTP oracle. Invoke runs off the event loop and must honour
// ctx cancellation.
type Service interface {
	Invoke(ctx context.Context, call ServiceCall) ([]byte, error)
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc func(ctx context.Context, call ServiceCall) ([]byte, error)

// Invoke implements Service.
func (f ServiceFunc) Invoke(ctx context.Context, call ServiceCall) ([]byte, error) {
	return f(ctx, call)
}

func invokeService(ctx context.Context, svc Service, call ServiceCall) (ret []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ret = nil
			err = fmt.Errorf("runtime: service %s panicked: %v", call.Receiver, rec)
		}
	}()
	return svc.Invoke(ctx, call)
}
