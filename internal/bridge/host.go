package bridge

// Outbound methods a host may implement.
const (
	MethodSendMessage          = "sendMessage"
	MethodCancelRequest        = "cancelRequest"
	MethodLoadSessions         = "loadSessions"
	MethodSaveSessions         = "saveSessions"
	MethodDeleteSession        = "deleteSession"
	MethodGetCurrentDeck       = "getCurrentDeck"
	MethodOpenDeck             = "openDeck"
	MethodGenerateSectionTitle = "generateSectionTitle"
	MethodGetCardDetails       = "getCardDetails"
	MethodGoToCard             = "goToCard"
	MethodShowAnswer           = "showAnswer"
	MethodHideAnswer           = "hideAnswer"
	MethodGetAuthStatus        = "getAuthStatus"
	MethodGetAITools           = "getAITools"
	MethodSaveAITools          = "saveAITools"
)

// AllMethods lists every outbound method.
var AllMethods = []string{
	MethodSendMessage, MethodCancelRequest, MethodLoadSessions, MethodSaveSessions,
	MethodDeleteSession, MethodGetCurrentDeck, MethodOpenDeck, MethodGenerateSectionTitle,
	MethodGetCardDetails, MethodGoToCard, MethodShowAnswer, MethodHideAnswer,
	MethodGetAuthStatus, MethodGetAITools, MethodSaveAITools,
}

// Host carries outbound calls to the embedding application.
// Replies arrive later as inbound events.
type Host interface {
	Call(method string, payload any) error
}

// CapabilityReporter is implemented by hosts that provide only some methods.
type CapabilityReporter interface {
	Supports(method string) bool
}

// CapabilitySetter is implemented by hosts that learn their capabilities
// from a "capabilities" event.
type CapabilitySetter interface {
	SetCapabilities(methods []string)
}

// Attacher is implemented by in-process hosts that deliver events directly.
type Attacher interface {
	Attach(deliver func(Envelope))
}
