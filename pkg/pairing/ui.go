package pairing

import (
	"context"
	"fmt"
)

// RequestKind identifies what the device asks the user.
type RequestKind int

const (
	// ConfirmPairing asks whether the named host may pair.
	ConfirmPairing RequestKind = iota
	// ShowCode displays the six digit code entry code.
	ShowCode
	// ShowQrCode displays the QR code content.
	ShowQrCode
	// ShowNFC arms the NFC tag with the secret.
	ShowNFC
	// ConfirmConnection asks whether a paired host may connect.
	ConfirmConnection
	// ConfirmAutoconnect asks whether a host may connect without asking.
	ConfirmAutoconnect
)

// String returns the request kind name.
func (k RequestKind) String() string {
	switch k {
	case ConfirmPairing:
		return "ConfirmPairing"
	case ShowCode:
		return "ShowCode"
	case ShowQrCode:
		return "ShowQrCode"
	case ShowNFC:
		return "ShowNFC"
	case ConfirmConnection:
		return "ConfirmConnection"
	case ConfirmAutoconnect:
		return "ConfirmAutoconnect"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// Request is one user interaction.
type Request struct {
	Kind      RequestKind
	ChannelID uint16
	HostName  string
	// Code is the value to display for ShowCode, ShowQrCode and ShowNFC.
	Code string
}

// Response is the user's answer. Display requests ignore it.
type Response struct {
	Confirmed bool
}

// UI is the device user interface used during pairing.
type UI interface {
	Run(ctx context.Context, req Request) (Response, error)
}

// UIFunc adapts a function to UI.
type UIFunc func(ctx context.Context, req Request) (Response, error)

// Run calls f.
func (f UIFunc) Run(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// AutoConfirm is a UI that confirms every request. Displayed codes are
// passed to OnCode when set.
type AutoConfirm struct {
	OnCode func(req Request)
}

// Run confirms req.
func (a AutoConfirm) Run(_ context.Context, req Request) (Response, error) {
	switch req.Kind {
	case ShowCode, ShowQrCode, ShowNFC:
		if a.OnCode != nil {
			a.OnCode(req)
		}
	}
	return Response{Confirmed: true}, nil
}
