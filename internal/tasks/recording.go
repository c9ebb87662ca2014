package tasks

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/SirClappington/taskq/internal/domain"
	"github.com/SirClappington/taskq/internal/storage"
)

// Recording saves each execution's outcome under the invocation's task id:
// SUCCESS with the handler's result, or FAILURE with {"error": ...}. A failed
// save fails the execution so the message is retried. A panicking handler is
// recorded as a failure too.
func Recording(store storage.ResultStore) func(Handler) Handler {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv Invocation) (any, error) {
			res, err := invoke(ctx, next, inv)
			if err != nil {
				saveErr := store.Save(ctx, inv.ID, domain.Failure, map[string]string{"error": err.Error()})
				return nil, multierr.Append(err, errors.Wrap(saveErr, "record failure"))
			}
			if saveErr := store.Save(ctx, inv.ID, domain.Success, res); saveErr != nil {
				return nil, errors.Wrap(saveErr, "record success")
			}
			return res, nil
		}
	}
}
