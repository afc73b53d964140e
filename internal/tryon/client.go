// Package tryon submits person and garment images to a hosted virtual try-on
// model and stores the generated image on the session.
package tryon

import (
	"context"
)

// DefaultDescription is used when the visitor leaves the garment description empty.
const DefaultDescription = "A stylish outfit"

// Params are the model settings sent with every call.
type Params struct {
	DenoiseSteps int
	Seed         int
	AutoMask     bool
	AutoCrop     bool
}

// DefaultParams returns the fixed settings of the studio.
func DefaultParams() Params {
	return Params{
		DenoiseSteps: 30,
		Seed:         42,
		AutoMask:     true,
		AutoCrop:     false,
	}
}

// Call is one prediction. Both images are files on local disk whose names keep
// the original extension.
type Call struct {
	HumanPath   string
	GarmentPath string
	Description string
	Params      Params
}

// Client is a try-on backend.
type Client interface {
	// Predict runs the model and returns the bytes of the first result image.
	Predict(ctx context.Context, call Call) ([]byte, error)
	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error
	// Name identifies the backend in logs and health output.
	Name() string
	Close() error
}
