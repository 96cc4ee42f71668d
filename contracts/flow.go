package contracts

import "strings"

// Flow names
const (
	FlowDiscovery          = "discovery"
	FlowLinkInit           = "link-init"
	FlowLinkConfirm        = "link-confirm"
	FlowConsentRequest     = "consent-request"
	FlowConsentFetch       = "consent-fetch"
	FlowPatientSearch      = "patient-search"
	FlowDataFlowRequest    = "data-flow-request"
	FlowHIPDataFlowRequest = "hip-data-flow-request"
	FlowHIPConsentNotify   = "hip-consent-notify"
	FlowHIUConsentNotify   = "hiu-consent-notify"
	FlowHealthInfoNotify   = "health-info-notify"
)

// Default retry queue names
const (
	DefaultLinkQueue     = "gw.link"
	DefaultDataFlowQueue = "gw.dataflow"
)

// Flow describes one API interaction: where requests and callbacks are routed,
// who may send them, and whether forwarding is retried.
type Flow struct {
	Name string

	// RequestPath is both the inbound path and the sub-path appended to the
	// target's base URL.
	RequestPath string
	// CallbackPath is empty for request-only flows.
	CallbackPath string

	TargetHeader   string
	TargetRoles    []Role
	RequesterRoles []Role
	ResponderRoles []Role

	RetryRequest      bool
	RetryResponse     bool
	RetryQueue        string
	PartitionByTarget bool
}

// HasCallback reports whether the flow has a response leg
func (f Flow) HasCallback() bool {
	return f.CallbackPath != ""
}

// Retryable reports whether the request or response leg is retried
func (f Flow) Retryable(response bool) bool {
	if response {
		return f.RetryResponse
	}
	return f.RetryRequest
}

// CallbackHeader is the routing header on callbacks. It names the original
// requester, so it follows the requesting side of the flow.
func (f Flow) CallbackHeader() string {
	for _, r := range f.RequesterRoles {
		if r == RoleConsentManager {
			return HeaderCMID
		}
	}
	return HeaderHIUID
}

// RequestURL joins a target base URL with the flow's request sub-path
func (f Flow) RequestURL(base string) string {
	return joinURL(base, f.RequestPath)
}

// CallbackURL joins a caller callback base with the flow's callback sub-path
func (f Flow) CallbackURL(base string) string {
	return joinURL(base, f.CallbackPath)
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

var (
	hipRoles = []Role{RoleHealthInformationProvider, RoleBridge}
	hiuRoles = []Role{RoleHealthInformationUser, RoleBridge}
	cmRoles  = []Role{RoleConsentManager}
)

// DefaultFlows returns the gateway's API table. Only link confirmation
// callbacks and HIP data-flow requests are retried: losing either leaves the
// counterpart stuck in an intermediate protocol state.
func DefaultFlows(linkQueue, dataFlowQueue string) []Flow {
	if linkQueue == "" {
		linkQueue = DefaultLinkQueue
	}
	if dataFlowQueue == "" {
		dataFlowQueue = DefaultDataFlowQueue
	}

	return []Flow{
		{
			Name:           FlowDiscovery,
			RequestPath:    "/v0.5/care-contexts/discover",
			CallbackPath:   "/v0.5/care-contexts/on-discover",
			TargetHeader:   HeaderHIPID,
			TargetRoles:    hipRoles,
			RequesterRoles: cmRoles,
			ResponderRoles: hipRoles,
		},
		{
			Name:           FlowLinkInit,
			RequestPath:    "/v0.5/links/link/init",
			CallbackPath:   "/v0.5/links/link/on-init",
			TargetHeader:   HeaderHIPID,
			TargetRoles:    hipRoles,
			RequesterRoles: cmRoles,
			ResponderRoles: hipRoles,
		},
		{
			Name:           FlowLinkConfirm,
			RequestPath:    "/v0.5/links/link/confirm",
			CallbackPath:   "/v0.5/links/link/on-confirm",
			TargetHeader:   HeaderHIPID,
			TargetRoles:    hipRoles,
			RequesterRoles: cmRoles,
			ResponderRoles: hipRoles,
			RetryResponse:  true,
			RetryQueue:     linkQueue,
		},
		{
			Name:           FlowConsentRequest,
			RequestPath:    "/v0.5/consent-requests/init",
			CallbackPath:   "/v0.5/consent-requests/on-init",
			TargetHeader:   HeaderCMID,
			TargetRoles:    cmRoles,
			RequesterRoles: hiuRoles,
			ResponderRoles: cmRoles,
		},
		{
			Name:           FlowConsentFetch,
			RequestPath:    "/v0.5/consents/fetch",
			CallbackPath:   "/v0.5/consents/on-fetch",
			TargetHeader:   HeaderCMID,
			TargetRoles:    cmRoles,
			RequesterRoles: hiuRoles,
			ResponderRoles: cmRoles,
		},
		{
			Name:           FlowPatientSearch,
			RequestPath:    "/v0.5/patients/find",
			CallbackPath:   "/v0.5/patients/on-find",
			TargetHeader:   HeaderCMID,
			TargetRoles:    cmRoles,
			RequesterRoles: hiuRoles,
			ResponderRoles: cmRoles,
		},
		{
			Name:           FlowDataFlowRequest,
			RequestPath:    "/v0.5/health-information/cm/request",
			CallbackPath:   "/v0.5/health-information/cm/on-request",
			TargetHeader:   HeaderCMID,
			TargetRoles:    cmRoles,
			RequesterRoles: hiuRoles,
			ResponderRoles: cmRoles,
		},
		{
			Name:              FlowHIPDataFlowRequest,
			RequestPath:       "/v0.5/health-information/hip/request",
			CallbackPath:      "/v0.5/health-information/hip/on-request",
			TargetHeader:      HeaderHIPID,
			TargetRoles:       hipRoles,
			RequesterRoles:    cmRoles,
			ResponderRoles:    hipRoles,
			RetryRequest:      true,
			RetryQueue:        dataFlowQueue,
			PartitionByTarget: true,
		},
		{
			Name:           FlowHIPConsentNotify,
			RequestPath:    "/v0.5/consents/hip/notify",
			TargetHeader:   HeaderHIPID,
			TargetRoles:    hipRoles,
			RequesterRoles: cmRoles,
		},
		{
			Name:           FlowHIUConsentNotify,
			RequestPath:    "/v0.5/consents/hiu/notify",
			TargetHeader:   HeaderHIUID,
			TargetRoles:    hiuRoles,
			RequesterRoles: cmRoles,
		},
		{
			Name:           FlowHealthInfoNotify,
			RequestPath:    "/v0.5/health-information/notify",
			TargetHeader:   HeaderCMID,
			TargetRoles:    cmRoles,
			RequesterRoles: []Role{RoleHealthInformationProvider, RoleHealthInformationUser, RoleBridge},
		},
	}
}
