package command

import (
	"bytes"
	"strconv"
	"strings"
)

const (
	// Terminator ends every request and response on the wire.
	Terminator byte = '\r'
	// responseMarker prefixes every response payload.
	responseMarker = "("
)

// Encode returns the wire bytes for a request: the command text followed by the terminator.
// The protocol as used here carries no checksum.
func Encode(request string) []byte {
	wire := make([]byte, 0, len(request)+1)
	wire = append(wire, request...)
	return append(wire, Terminator)
}

// Payload extracts the response text from raw bytes: everything up to the first terminator, with the leading
// response marker and any padding removed.
func Payload(raw []byte) string {
	if i := bytes.IndexByte(raw, Terminator); i >= 0 {
		raw = raw[:i]
	}
	payload := strings.Trim(string(raw), "\x00 \t\n")
	return strings.TrimPrefix(payload, responseMarker)
}

// IsValid reports whether a raw response is acceptable for the descriptor: it must be non-empty and, when the
// descriptor declares a response pattern, match it.
func IsValid(raw []byte, d *Descriptor) bool {
	payload := Payload(raw)
	if payload == "" {
		return false
	}
	if d != nil && d.ResponsePattern != nil {
		return d.ResponsePattern.MatchString(payload)
	}
	return true
}

// Decode splits a raw response into fields following the descriptor's schema. Tokens are matched to schema
// entries by position; entries without a token are left out, surplus tokens are ignored.
func Decode(raw []byte, d *Descriptor) Response {
	var resp Response
	tokens := strings.Fields(Payload(raw))

	for i, spec := range d.Schema {
		if i >= len(tokens) {
			break
		}
		for _, field := range spec.decode(tokens[i]) {
			resp.add(field)
		}
	}
	return resp
}

func (s FieldSpec) decode(token string) []Field {
	switch s.Type {
	case FieldFloat:
		if v, err := strconv.ParseFloat(token, 64); err == nil {
			return []Field{{Name: s.Name, Value: v, Unit: s.Unit}}
		}
	case FieldInt:
		if v, err := strconv.ParseInt(token, 10, 64); err == nil {
			return []Field{{Name: s.Name, Value: v, Unit: s.Unit}}
		}
	case FieldOption:
		if s.OptionsMap != nil {
			if label, ok := s.OptionsMap[token]; ok {
				return []Field{{Name: s.Name, Value: label}}
			}
		} else if idx, err := strconv.Atoi(token); err == nil && idx >= 0 && idx < len(s.Options) {
			return []Field{{Name: s.Name, Value: s.Options[idx]}}
		}
	case FieldAck:
		if label, ok := s.OptionsMap[token]; ok {
			return []Field{{Name: s.Name, Value: label}}
		}
	case FieldFlags:
		return s.decodeFlags(token)
	case FieldEnFlags:
		return s.decodeEnFlags(token)
	}
	return []Field{{Name: s.Name, Value: token, Unit: s.Unit}}
}

// decodeFlags maps each character of a bit string onto the flag named at the same position.
func (s FieldSpec) decodeFlags(token string) []Field {
	fields := make([]Field, 0, len(token))
	for i, ch := range token {
		if i >= len(s.Options) || s.Options[i] == "" {
			continue
		}
		var value interface{} = string(ch)
		if ch == '0' || ch == '1' {
			value = int64(ch - '0')
		}
		fields = append(fields, Field{Name: s.Options[i], Value: value})
	}
	return fields
}

// decodeEnFlags reads the "E<enabled letters>D<disabled letters>" flag format.
func (s FieldSpec) decodeEnFlags(token string) []Field {
	var fields []Field
	state := ""
	for _, ch := range token {
		switch ch {
		case 'E':
			state = "enabled"
			continue
		case 'D':
			state = "disabled"
			continue
		}
		name, ok := s.OptionsMap[string(ch)]
		if !ok || state == "" {
			continue
		}
		fields = append(fields, Field{Name: name, Value: state})
	}
	return fields
}
