package command

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind says whether a command reads or writes inverter state.
type Kind string

const (
	KindQuery  Kind = "QUERY"
	KindSetter Kind = "SETTER"
)

func parseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(KindQuery):
		return KindQuery, nil
	case string(KindSetter):
		return KindSetter, nil
	default:
		return "", fmt.Errorf("unknown command type '%s'", s)
	}
}

// FieldType describes how a single response token is turned into a value.
type FieldType string

const (
	FieldFloat   FieldType = "float"
	FieldInt     FieldType = "int"
	FieldString  FieldType = "string"
	FieldOption  FieldType = "option"  // token indexes (list) or keys (map) the options
	FieldFlags   FieldType = "flags"   // each character of the token is a 0/1 flag named by the options list
	FieldEnFlags FieldType = "enflags" // "E<letters>D<letters>", letters mapped to names by the options map
	FieldAck     FieldType = "ack"     // ACK/NAK mapped through the options map
)

// FieldSpec is one positional entry of a response schema.
type FieldSpec struct {
	Type FieldType
	Name string
	Unit string

	Options    []string          // for option (by index) and flags
	OptionsMap map[string]string // for option (by key), enflags and ack
}

// Descriptor is the immutable catalog record describing one supported command.
type Descriptor struct {
	Name          string
	Description   string
	Help          string
	Kind          Kind
	Schema        []FieldSpec
	TestResponses []string

	// Pattern is set for parameterized commands (e.g. `PCVV(\d\d\.\d)$`); nil for literal ones.
	Pattern *regexp.Regexp
	// ResponsePattern, when set, must match the trimmed payload for a response to be valid.
	ResponsePattern *regexp.Regexp
}

// IsPatterned reports whether the descriptor is matched by pattern rather than by name.
func (d *Descriptor) IsPatterned() bool {
	return d.Pattern != nil
}

// TestResponse returns the canned response used by the test transport.
func (d *Descriptor) TestResponse() (string, bool) {
	if len(d.TestResponses) == 0 {
		return "", false
	}
	return d.TestResponses[0], true
}

func (d *Descriptor) String() string {
	if d.Help != "" {
		return fmt.Sprintf("%s - %s\n%s\n", d.Name, d.Description, d.Help)
	}
	return fmt.Sprintf("%s - %s\n", d.Name, d.Description)
}
