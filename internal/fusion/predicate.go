package fusion

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
	"github.com/dop251/goja"
	"github.com/tidwall/gjson"
)

// Matches reports whether event satisfies predicate p. Class and subtype
// matching use gjson (fast path, no schema compilation); a rule that
// declares field_path instead uses PaesslerAG/jsonpath for a general
// nested-field query. A predicate with expr is evaluated in a sandboxed
// goja VM as the final escape hatch, with only this event's fields bound.
func (p Predicate) Matches(e Event) (bool, error) {
	if p.Class != "" && p.Class != e.Class {
		return false, nil
	}

	if p.Subtype != "" {
		subtype := gjson.GetBytes(e.Payload, "subtype").String()
		if subtype != p.Subtype {
			return false, nil
		}
	}

	if p.FieldPath != "" {
		ok, err := matchFieldPath(p.FieldPath, p.FieldEq, e.Payload)
		if err != nil {
			return false, fmt.Errorf("fusion: field_path predicate: %w", err)
		}
		if !ok {
			return false, nil
		}
	}

	if p.Expr != "" {
		ok, err := matchExpr(p.Expr, e)
		if err != nil {
			return false, fmt.Errorf("fusion: expr predicate: %w", err)
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

func matchFieldPath(path, wantEq string, payload []byte) (bool, error) {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return false, err
	}
	got, err := jsonpath.Get(path, doc)
	if err != nil {
		// A missing field is a non-match, not an error — only malformed
		// path expressions should surface as rule errors.
		return false, nil
	}
	if wantEq == "" {
		return got != nil, nil
	}
	return fmt.Sprintf("%v", got) == wantEq, nil
}

func matchExpr(expr string, e Event) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("predicate expression panicked: %v", r)
		}
	}()

	vm := goja.New()
	_ = vm.Set("class", e.Class)
	_ = vm.Set("device_id", e.DeviceID)
	_ = vm.Set("timestamp_ns", e.TimestampNs)

	var fields map[string]interface{}
	if err := json.Unmarshal(e.Payload, &fields); err == nil {
		_ = vm.Set("payload", fields)
	}

	v, err := vm.RunString(expr)
	if err != nil {
		return false, err
	}
	return v.ToBoolean(), nil
}
