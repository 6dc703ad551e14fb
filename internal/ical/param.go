package ical

import (
	"sort"
	"strings"
)

// Param is a single NAME=value property parameter. Name is upper case.
type Param struct {
	Name  string
	Value string
}

// ParamValue is the `;NAME=value;...:value` tail of a content line, as used by
// ORGANIZER, ATTENDEE, ATTACH and localized DTSTART/DTEND.
//
// Parameters keep their input order for encoding, but equality treats them as
// an unordered set.
type ParamValue struct {
	params []Param

	// Value is the scalar after the first unquoted ':'.
	Value string
	// HasValue is false when the parsed text had no ':' at all.
	HasValue bool
}

// TextValue returns a ParamValue with no parameters.
func TextValue(v string) ParamValue {
	return ParamValue{Value: v, HasValue: true}
}

// ParseParamValue parses the part of a content line that follows the
// property name, e.g. `;CN=Joe:MAILTO:joe@example.com`.
func ParseParamValue(text string) ParamValue {
	var pv ParamValue

	head := text
	if pos := valueSeparator(text); pos >= 0 {
		head = text[:pos]
		pv.Value = text[pos+1:]
		pv.HasValue = true
	}

	for _, tok := range strings.Split(head, ";") {
		name, value, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		pv.Set(name, value)
	}
	return pv
}

// valueSeparator finds the first ':' that is not inside a double-quoted
// parameter value.
func valueSeparator(s string) int {
	quoted := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case ':':
			if !quoted {
				return i
			}
		}
	}
	return -1
}

// Param returns the raw value of the named parameter.
func (p ParamValue) Param(name string) (string, bool) {
	name = strings.ToUpper(name)
	for _, kv := range p.params {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

// Params returns a copy of the parameters in encoding order.
func (p ParamValue) Params() []Param {
	out := make([]Param, len(p.params))
	copy(out, p.params)
	return out
}

// Set adds or replaces a parameter. A replaced parameter keeps its position.
func (p *ParamValue) Set(name, value string) {
	name = strings.ToUpper(name)
	for i := range p.params {
		if p.params[i].Name == name {
			p.params[i].Value = value
			return
		}
	}
	p.params = append(p.params, Param{Name: name, Value: value})
}

// Del removes a parameter if present.
func (p *ParamValue) Del(name string) {
	name = strings.ToUpper(name)
	out := p.params[:0:0]
	for _, kv := range p.params {
		if kv.Name != name {
			out = append(out, kv)
		}
	}
	p.params = out
}

// Encode renders `;NAME=value...:value`.
func (p ParamValue) Encode() string {
	var b strings.Builder
	for _, kv := range p.params {
		b.WriteString(";")
		b.WriteString(kv.Name)
		b.WriteString("=")
		b.WriteString(kv.Value)
	}
	b.WriteString(":")
	b.WriteString(p.Value)
	return b.String()
}

// String is Encode.
func (p ParamValue) String() string {
	return p.Encode()
}

// Equal compares the scalar and the parameter set, ignoring parameter order.
func (p ParamValue) Equal(o ParamValue) bool {
	if p.Value != o.Value || p.HasValue != o.HasValue || len(p.params) != len(o.params) {
		return false
	}
	for _, kv := range p.params {
		v, ok := o.Param(kv.Name)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}

// canonical is an order-independent rendering usable as a map key.
func (p ParamValue) canonical() string {
	params := p.Params()
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return ParamValue{params: params, Value: p.Value}.Encode()
}
