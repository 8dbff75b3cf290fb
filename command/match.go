package command

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrUnknownCommand is returned when no catalog descriptor matches a requested command.
var ErrUnknownCommand = errors.New("unknown command")

// Matched is a descriptor bound to one concrete request. It lives for a single execution.
type Matched struct {
	Descriptor *Descriptor
	Request    string // the command as requested, e.g. "PCVV56.4"
	Parameter  string // the value captured by a patterned descriptor, empty for literal commands
	Wire       []byte // exact bytes to transmit

	// Raw is the response of the latest transport attempt.
	Raw []byte
}

// Reset clears the response before a new attempt.
func (m *Matched) Reset() {
	m.Raw = nil
}

func (m *Matched) String() string {
	if m.Parameter != "" {
		return fmt.Sprintf("%s (%s=%s)", m.Request, m.Descriptor.Name, m.Parameter)
	}
	return m.Request
}

// Match finds the descriptor for `request`. Literal descriptors must equal the request exactly, patterned ones
// must match from its start; the first descriptor in catalog order that matches wins.
func (c *Catalog) Match(request string) (*Matched, error) {
	for _, d := range c.descriptors {
		if !d.IsPatterned() {
			if request == d.Name {
				return newMatched(d, request, ""), nil
			}
			continue
		}

		groups := d.Pattern.FindStringSubmatch(request)
		if groups == nil {
			continue
		}
		parameter := ""
		if len(groups) > 1 {
			parameter = groups[1]
		}
		slog.Debug("Matched patterned command", "command", d.Name, "parameter", parameter)
		return newMatched(d, request, parameter), nil
	}
	return nil, fmt.Errorf("%w: '%s'", ErrUnknownCommand, request)
}

func newMatched(d *Descriptor, request, parameter string) *Matched {
	return &Matched{
		Descriptor: d,
		Request:    request,
		Parameter:  parameter,
		Wire:       Encode(request),
	}
}
