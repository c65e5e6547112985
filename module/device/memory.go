package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"IMDelivery/module/chat/model"
	"IMDelivery/tools/errs"
)

type MemoryRegistry struct {
	mu      sync.RWMutex
	devices map[string]model.Device
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{devices: make(map[string]model.Device)}
}

func (r *MemoryRegistry) Register(_ context.Context, d model.Device) error {
	if err := validate(d); err != nil {
		return err
	}
	if d.LastActiveAt.IsZero() {
		d.LastActiveAt = time.Now()
	}
	r.mu.Lock()
	r.devices[d.DeviceID] = d
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) DevicesFor(_ context.Context, userID string) ([]model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Device
	for _, d := range r.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (r *MemoryRegistry) ClearPushToken(_ context.Context, deviceID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceID]; ok && d.PushToken == token {
		d.PushToken = ""
		r.devices[deviceID] = d
	}
	return nil
}

func (r *MemoryRegistry) Delete(_ context.Context, userID, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok || d.UserID != userID {
		return errs.ErrNotFound.WrapMsg("device not found", "deviceId", deviceID)
	}
	delete(r.devices, deviceID)
	return nil
}

// Get returns a copy of the device for assertions.
func (r *MemoryRegistry) Get(deviceID string) (model.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	return d, ok
}
