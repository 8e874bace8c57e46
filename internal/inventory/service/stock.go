package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/client"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/lock"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/repository"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
)

var tracer = otel.Tracer("github.com/pharmapos/pharmapos-backend/internal/inventory/service")

// Catalog looks up products in the catalog collaborator.
// *client.CatalogClient implements it; a nil Catalog disables product checks.
type Catalog interface {
	GetProduct(ctx context.Context, productID string) (*client.Product, error)
}

// Clock returns the current time
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// unlockedGuard fails an append with OpnameLocked while a count holds the
// product. It runs inside the store's critical section, so a count cannot
// start between the check and the write. Reads never come through here.
func unlockedGuard(locker lock.Locker, scope, productID string) repository.Guard {
	return func(ctx context.Context, _ domain.Snapshot) error {
		if locker == nil {
			return nil
		}
		_, held, err := locker.Holder(ctx, lock.OpnameKey(scope, productID))
		if err != nil {
			return err
		}
		if held {
			return errors.OpnameLocked(productID)
		}
		return nil
	}
}
