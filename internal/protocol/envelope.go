package protocol

import (
	"encoding/json"
)

// Message types carried on the page message bus and the panel request channel.
const (
	TypeToPage    = "PH_DEBUG_TO_PAGE"
	TypeToContent = "PH_DEBUG_TO_CONTENT"
	TypeRequest   = "PH_DEBUG_REQUEST"
)

// Action names one operation the page agent knows how to perform.
type Action string

const (
	ActionDetect             Action = "detect"
	ActionGetTours           Action = "getTours"
	ActionGetActiveTours     Action = "getActiveTours"
	ActionGetFlags           Action = "getFlags"
	ActionGetStorage         Action = "getStorage"
	ActionShowTour           Action = "showTour"
	ActionDismissTour        Action = "dismissTour"
	ActionResetTour          Action = "resetTour"
	ActionResetAllTours      Action = "resetAllTours"
	ActionClearCache         Action = "clearCache"
	ActionNextStep           Action = "nextStep"
	ActionPreviousStep       Action = "previousStep"
	ActionCheckSelector      Action = "checkSelector"
	ActionHighlightSelector  Action = "highlightSelector"
	ActionStartPickSelector  Action = "startPickSelector"
	ActionCancelPickSelector Action = "cancelPickSelector"
)

// Actions lists every known action in dispatch order.
var Actions = []Action{
	ActionDetect,
	ActionGetTours,
	ActionGetActiveTours,
	ActionGetFlags,
	ActionGetStorage,
	ActionShowTour,
	ActionDismissTour,
	ActionResetTour,
	ActionResetAllTours,
	ActionClearCache,
	ActionNextStep,
	ActionPreviousStep,
	ActionCheckSelector,
	ActionHighlightSelector,
	ActionStartPickSelector,
	ActionCancelPickSelector,
}

// Known reports whether a is one of the enumerated actions.
func (a Action) Known() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// ParseAction converts a wire name into an Action. Unknown names are returned
// as-is with ok=false so the agent can still name them in its error.
func ParseAction(name string) (Action, bool) {
	a := Action(name)
	return a, a.Known()
}

// Payload is the action-specific key/value data attached to a request.
type Payload map[string]interface{}

// String returns the string value stored under key, or "".
func (p Payload) String(key string) string {
	if p == nil {
		return ""
	}
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

// Envelope is a message on the page bus. Requests travel with TypeToPage,
// responses with TypeToContent and the same RequestID.
type Envelope struct {
	Type      string          `json:"type"`
	Source    string          `json:"source,omitempty"`
	Action    Action          `json:"action"`
	Payload   Payload         `json:"payload,omitempty"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *string         `json:"error,omitempty"`
}

// Request is what the panel sends to the relay.
type Request struct {
	Type    string  `json:"type"`
	Action  Action  `json:"action"`
	Payload Payload `json:"payload,omitempty"`
}

// Response is the uniform result of any cross-context call.
type Response struct {
	Data  json.RawMessage `json:"data"`
	Error *string         `json:"error"`
}

// Failed reports whether the response carries an error message.
func (r Response) Failed() bool {
	return r.Error != nil
}

// ErrorText returns the error message or "".
func (r Response) ErrorText() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// HasData reports whether Data holds something other than JSON null.
func (r Response) HasData() bool {
	return len(r.Data) > 0 && string(r.Data) != "null"
}

// Decode unmarshals Data into v. A null payload leaves v untouched.
func (r Response) Decode(v interface{}) error {
	if !r.HasData() {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ErrorResponse builds the {data: null, error: msg} shape.
func ErrorResponse(msg string) Response {
	return Response{Data: Null, Error: &msg}
}

// DataResponse builds a successful response from an arbitrary value.
func DataResponse(v interface{}) Response {
	return Response{Data: ToPortable(v)}
}

// ResponseFrom extracts the response part of a TypeToContent envelope.
func ResponseFrom(env Envelope) Response {
	data := env.Data
	if len(data) == 0 {
		data = Null
	}
	return Response{Data: data, Error: env.Error}
}
