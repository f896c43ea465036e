package driven

import (
	"context"

	"github.com/medrelay/medrelay/internal/domain/model"
)

// Uploader defines the driven port for delivering transformed records to the
// downstream time-series dashboard.
type Uploader interface {
	// Check verifies the dashboard is reachable and accepting uploads.
	Check(ctx context.Context) error

	// UploadEntries posts glucose entries. An empty batch is a no-op.
	UploadEntries(ctx context.Context, entries []model.Entry) error

	// UploadDeviceStatus posts one pump/uploader status record.
	UploadDeviceStatus(ctx context.Context, status *model.DeviceStatus) error
}
