package channel

// Unlocker reports whether the device is unlocked. Handshakes on a locked
// device fail with DEVICE_LOCKED.
type Unlocker interface {
	Unlocked() bool
}

// UnlockerFunc adapts a function to Unlocker.
type UnlockerFunc func() bool

// Unlocked calls f.
func (f UnlockerFunc) Unlocked() bool { return f() }

// StaticUnlocker reports a fixed lock state.
type StaticUnlocker bool

// Unlocked returns bool(s).
func (s StaticUnlocker) Unlocked() bool { return bool(s) }
