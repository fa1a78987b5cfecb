package outbox

import (
	"context"

	"himan-converter/internal/shared/telemetry"
)

// Outbox accepts result notices for the fixed recipient. Nothing is
// transmitted to the recipient by any implementation.
type Outbox interface {
	Dispatch(ctx context.Context, notice Notice) error
}

// LogOutbox records notices in the structured log only.
type LogOutbox struct{}

// Dispatch logs the notice.
func (LogOutbox) Dispatch(ctx context.Context, notice Notice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	telemetry.Info("outbox.dispatch", map[string]any{
		"request_id":     notice.RequestID,
		"conversion_id":  notice.ConversionID,
		"recipient":      notice.Recipient,
		"converted_name": notice.ConvertedName,
		"transport":      "log",
	})
	return nil
}

var _ Outbox = LogOutbox{}
