package device

import "github.com/backkem/thp/pkg/channel"

// Unlocker reports whether the device is unlocked. Handshakes are refused
// with DEVICE_LOCKED while it is locked.
type Unlocker = channel.Unlocker

// UnlockerFunc adapts a function to Unlocker.
type UnlockerFunc = channel.UnlockerFunc

// StaticUnlocker is an Unlocker with a fixed answer.
type StaticUnlocker = channel.StaticUnlocker
