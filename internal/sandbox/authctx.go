package sandbox

import "context"

type ctxKey string

const deviceIDKey ctxKey = "tw.deviceID"

// WithDeviceID stores the authenticated device ID in context.
func WithDeviceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deviceIDKey, id)
}

// DeviceIDFromCtx fetches the device ID from context.
func DeviceIDFromCtx(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deviceIDKey).(string)
	return id, ok && id != ""
}
