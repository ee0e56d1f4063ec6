package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"tourdebug-mcp-server/internal/eligibility"
	"tourdebug-mcp-server/internal/protocol"
)

// DetectResult reports whether the SDK is reachable on the page.
type DetectResult struct {
	Found        bool    `json:"found"`
	Version      *string `json:"version"`
	ToursEnabled bool    `json:"toursEnabled"`
	PageURL      string  `json:"pageUrl,omitempty"`
}

// ToursResult is the payload of getTours and getActiveTours.
type ToursResult struct {
	Tours   json.RawMessage `json:"tours"`
	Context json.RawMessage `json:"context,omitempty"`
}

// FlagsResult is the payload of getFlags.
type FlagsResult struct {
	Flags       json.RawMessage `json:"flags"`
	FlagDetails json.RawMessage `json:"flagDetails"`
}

var successResult = map[string]bool{"success": true}

func (a *Agent) detect(ctx context.Context) protocol.Response {
	var res DetectResult
	if err := a.callInto(ctx, &res, "detect"); err != nil {
		return errorResponse(err)
	}
	return protocol.DataResponse(res)
}

// requireCapability checks that path resolves to a function on the SDK.
func (a *Agent) requireCapability(ctx context.Context, path string) error {
	var ok bool
	if err := a.callInto(ctx, &ok, "has", path); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s not available", path)
	}
	return nil
}

// sdkAction calls a fire-and-forget SDK method and reports success.
func (a *Agent) sdkAction(ctx context.Context, path string, args ...interface{}) protocol.Response {
	if err := a.requireCapability(ctx, path); err != nil {
		return errorResponse(err)
	}
	if args == nil {
		args = []interface{}{}
	}
	if _, err := a.call(ctx, "invoke", path, args); err != nil {
		return errorResponse(err)
	}
	return protocol.DataResponse(successResult)
}

// callbackArgs invokes a callback-style SDK method and returns the arguments
// the SDK passed to the callback.
func (a *Agent) callbackArgs(ctx context.Context, path string, args ...interface{}) ([]json.RawMessage, error) {
	if err := a.requireCapability(ctx, path); err != nil {
		return nil, err
	}
	if args == nil {
		args = []interface{}{}
	}
	var out []json.RawMessage
	if err := a.callInto(ctx, &out, "invokeCallback", path, args); err != nil {
		return nil, err
	}
	return out, nil
}

func argAt(args []json.RawMessage, i int) json.RawMessage {
	if i < len(args) && len(args[i]) > 0 {
		return args[i]
	}
	return protocol.Null
}

func (a *Agent) getTours(ctx context.Context) protocol.Response {
	args, err := a.callbackArgs(ctx, "productTours.getProductTours", true)
	if err != nil {
		return errorResponse(err)
	}
	return protocol.DataResponse(ToursResult{Tours: argAt(args, 0), Context: argAt(args, 1)})
}

func (a *Agent) getActiveTours(ctx context.Context) protocol.Response {
	args, err := a.callbackArgs(ctx, "productTours.getActiveProductTours")
	if err != nil {
		return errorResponse(err)
	}
	return protocol.DataResponse(ToursResult{Tours: argAt(args, 0)})
}

func (a *Agent) getFlags(ctx context.Context) protocol.Response {
	const variantsPath = "featureFlags.getFlagVariants"
	const detailsPath = "featureFlags.getFeatureFlagDetails"

	if err := a.requireCapability(ctx, variantsPath); err != nil {
		return errorResponse(err)
	}
	flags, err := a.call(ctx, "invoke", variantsPath, []interface{}{})
	if err != nil {
		return errorResponse(err)
	}

	details := json.RawMessage(`{}`)
	if a.requireCapability(ctx, detailsPath) == nil {
		var values map[string]json.RawMessage
		if err := json.Unmarshal(flags, &values); err == nil && len(values) > 0 {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			details, err = a.call(ctx, "invokeEach", detailsPath, keys)
			if err != nil {
				return errorResponse(err)
			}
		}
	}
	return protocol.DataResponse(FlagsResult{Flags: flags, FlagDetails: details})
}

type rawStorage struct {
	Local  map[string]string `json:"local"`
	Active *string           `json:"active"`
}

func (a *Agent) getStorage(ctx context.Context) protocol.Response {
	var raw rawStorage
	if err := a.callInto(ctx, &raw, "storage", eligibility.TourKeyPrefix, eligibility.ActiveTourKey); err != nil {
		return errorResponse(err)
	}
	return protocol.DataResponse(eligibility.ClassifyStorage(raw.Local, raw.Active))
}
