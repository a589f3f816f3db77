package device

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrNoDevice is returned if no accelerator device is assigned to the process
var ErrNoDevice = errors.New("no device assigned")

// Environment variables consulted by FromEnv, in order
const (
	EnvDevice    = "KVMESH_DEVICE"
	EnvLocalRank = "LOCAL_RANK"
)

// IProvider exposes the accelerator runtime to the connection manager
type IProvider interface {
	// DeviceID returns the device of the calling process. An error means
	// the process has no usable device context.
	DeviceID() (int, error)
	// Bind binds the calling OS thread to device id
	Bind(id int) error
}

// --------------------------------------------------------------------------
// Static provider
// --------------------------------------------------------------------------

// Static is a provider with a fixed device id. Negative values mean no device.
type Static int

func (s Static) DeviceID() (int, error) {
	if s < 0 {
		return 0, ErrNoDevice
	}
	return int(s), nil
}

func (s Static) Bind(id int) error {
	if s < 0 || id != int(s) {
		return fmt.Errorf("cannot bind device %d: %w", id, ErrNoDevice)
	}
	return nil
}

// --------------------------------------------------------------------------
// Environment provider
// --------------------------------------------------------------------------

type envProvider struct{}

// FromEnv returns a provider reading the device id from KVMESH_DEVICE,
// falling back to LOCAL_RANK as set by common process launchers.
func FromEnv() IProvider {
	return envProvider{}
}

func (envProvider) DeviceID() (int, error) {
	for _, name := range []string{EnvDevice, EnvLocalRank} {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		id, err := strconv.Atoi(v)
		if err != nil || id < 0 {
			return 0, fmt.Errorf("invalid device id %q in %s", v, name)
		}
		return id, nil
	}
	return 0, ErrNoDevice
}

func (p envProvider) Bind(id int) error {
	want, err := p.DeviceID()
	if err != nil {
		return err
	}
	if want != id {
		return fmt.Errorf("cannot bind device %d, process is assigned device %d", id, want)
	}
	return nil
}
