package hook

import (
	"encoding/json"
	"fmt"
)

// Wire schema between the gateway and a hook module. Requests are the JSON
// encoding of AuthRequest / InterceptContext; responses are a tagged object:
//
//	{"decision":"authenticate","context":"<base64>"}   (context optional)
//	{"decision":"reject"}
//	{"decision":"forward"}
//	{"decision":"discard"}
//	{"decision":"transform","payload":{...}}
type wireDecision struct {
	Decision string          `json:"decision"`
	Context  []byte          `json:"context,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func decodeAuthDecision(data []byte) (AuthDecision, error) {
	var w wireDecision
	if err := json.Unmarshal(data, &w); err != nil {
		return AuthDecision{}, fmt.Errorf("decoding authenticate decision: %w", err)
	}
	switch w.Decision {
	case "authenticate":
		return AuthDecision{Accept: true, Context: w.Context}, nil
	case "reject":
		return AuthDecision{}, nil
	}
	return AuthDecision{}, fmt.Errorf("unknown authenticate decision %q", w.Decision)
}

func decodeInterceptDecision(data []byte) (InterceptDecision, error) {
	var w wireDecision
	if err := json.Unmarshal(data, &w); err != nil {
		return InterceptDecision{}, fmt.Errorf("decoding intercept decision: %w", err)
	}
	switch w.Decision {
	case "forward":
		return InterceptDecision{Action: ActionForward}, nil
	case "discard":
		return InterceptDecision{Action: ActionDiscard}, nil
	case "transform":
		if len(w.Payload) == 0 {
			return InterceptDecision{}, fmt.Errorf("transform decision without payload")
		}
		return InterceptDecision{Action: ActionTransform, Payload: w.Payload}, nil
	}
	return InterceptDecision{}, fmt.Errorf("unknown intercept decision %q", w.Decision)
}
