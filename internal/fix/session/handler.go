package session

import (
	"github.com/n1/fixengine/internal/fix/codec"
	"github.com/n1/fixengine/internal/fix/store"
)

// Handler is the capability set a caller supplies to receive callbacks from
// a Session, collapsing QuickFix's seven-method Application interface
// (onCreate/onLogon/onLogout/toAdmin/fromAdmin/toApp/fromApp) down to the
// two events an engine actually needs to act on: a lifecycle transition, or
// an inbound application message. Either field may be nil.
type Handler struct {
	OnSessionEvent func(key store.SessionKey, ev Event)
	OnAppMessage   func(key store.SessionKey, msg *codec.Message)
}

func (h Handler) fireEvent(key store.SessionKey, ev Event) {
	if h.OnSessionEvent != nil {
		h.OnSessionEvent(key, ev)
	}
}

func (h Handler) fireAppMessage(key store.SessionKey, msg *codec.Message) {
	if h.OnAppMessage != nil {
		h.OnAppMessage(key, msg)
	}
}
