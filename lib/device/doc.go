// Package device abstracts the accelerator runtime. The connection manager
// only needs to know that a device context exists (DeviceID) and to bind the
// transport progress threads to it (Bind).
package device
