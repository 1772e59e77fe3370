package commands

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/anoma/trusted-setup-ceremony/admin"
)

// fields returns the request data as a map. Missing data is an empty map.
func fields(req *admin.CommandRequest) (map[string]any, error) {
	if req.Data == nil {
		return map[string]any{}, nil
	}
	m, ok := req.Data.(map[string]any)
	if !ok {
		return nil, admin.NewInvalidAdminReqFormatError("expected map[string]any, got %T", req.Data)
	}
	return m, nil
}

func stringField(m map[string]any, name string, required bool) (string, error) {
	raw, ok := m[name]
	if !ok {
		if required {
			return "", admin.NewInvalidAdminReqErrorf("missing field '%s'", name)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", admin.NewInvalidAdminReqParameterError(name, "must be a string", raw)
	}
	if required && s == "" {
		return "", admin.NewInvalidAdminReqParameterError(name, "must not be empty", raw)
	}
	return s, nil
}

func uint32Field(m map[string]any, name string) (uint32, error) {
	raw, ok := m[name]
	if !ok {
		return 0, admin.NewInvalidAdminReqErrorf("missing field '%s'", name)
	}
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, admin.NewInvalidAdminReqParameterError(name, "must be an integer", raw)
		}
		f = float64(n)
	case string:
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return 0, admin.NewInvalidAdminReqParameterError(name, "must be an unsigned integer", raw)
		}
		return uint32(n), nil
	default:
		return 0, admin.NewInvalidAdminReqParameterError(name, "must be a number", raw)
	}
	if f < 0 || f > math.MaxUint32 || f != math.Trunc(f) {
		return 0, admin.NewInvalidAdminReqParameterError(name, "must be an unsigned 32-bit integer", raw)
	}
	return uint32(f), nil
}

func boolField(m map[string]any, name string) (bool, error) {
	raw, ok := m[name]
	if !ok {
		return false, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, admin.NewInvalidAdminReqParameterError(name, "must be a bool", raw)
	}
	return b, nil
}
