package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	catalog := Default()

	tests := []struct {
		name          string
		request       string
		wantCommand   string
		wantParameter string
		wantErr       bool
	}{
		{name: "literal", request: "QPIGS", wantCommand: "QPIGS"},
		{name: "literal is case sensitive", request: "qpigs", wantErr: true},
		{name: "literal must match exactly", request: "QPIGS ", wantErr: true},
		{name: "literal prefix is not enough", request: "QPIG", wantErr: true},
		{name: "patterned", request: "PCVV56.4", wantCommand: "PCVV", wantParameter: "56.4"},
		{name: "patterned priority", request: "POP02", wantCommand: "POP", wantParameter: "02"},
		{name: "patterned out of range", request: "POP03", wantErr: true},
		{name: "patterned is anchored", request: "XPCVV56.4", wantErr: true},
		{name: "patterned trailing garbage", request: "PCVV56.45", wantErr: true},
		{name: "unknown", request: "XYZZY", wantErr: true},
		{name: "empty", request: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, err := catalog.Match(tt.request)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownCommand)
				assert.Nil(t, matched)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCommand, matched.Descriptor.Name)
			assert.Equal(t, tt.wantParameter, matched.Parameter)
			assert.Equal(t, tt.request, matched.Request)
			assert.Equal(t, []byte(tt.request+"\r"), matched.Wire)
			assert.Nil(t, matched.Raw)
		})
	}
}

func TestMatch_FirstPatternWins(t *testing.T) {
	catalog, err := Parse([]byte(`
- name: QPIGS
  type: QUERY
- name: GENERIC
  type: QUERY
  regex: 'Q(\w+)'
- name: SPECIFIC
  type: QUERY
  regex: 'QP(\w+)'
`))
	require.NoError(t, err)

	matched, err := catalog.Match("QPIGS")
	require.NoError(t, err)
	assert.Equal(t, "QPIGS", matched.Descriptor.Name)

	matched, err = catalog.Match("QPIRI")
	require.NoError(t, err)
	assert.Equal(t, "GENERIC", matched.Descriptor.Name)
	assert.Equal(t, "PIRI", matched.Parameter)
}

func TestMatched_Reset(t *testing.T) {
	matched, err := Default().Match("QID")
	require.NoError(t, err)

	matched.Raw = []byte("(123\r")
	matched.Reset()
	assert.Nil(t, matched.Raw)
}
