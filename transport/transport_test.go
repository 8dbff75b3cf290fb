package transport

import (
	"context"
	"testing"

	"github.com/cepro/mppgateway/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		address string
		want    Kind
	}{
		{address: "TEST", want: KindTest},
		{address: "test", want: KindSerial},
		{address: "/dev/hidraw0", want: KindDirectUSB},
		{address: "/dev/hidraw7", want: KindDirectUSB},
		{address: "/dev/hidraw10", want: KindSerial},
		{address: "/dev/ttyUSB0", want: KindSerial},
		{address: "rfc2217://192.168.1.20:4000", want: KindSerial},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.address), tt.address)
	}
}

func TestNew(t *testing.T) {
	_, err := New("", 2400)
	assert.ErrorIs(t, err, ErrNoAddress)

	tr, err := New("TEST", 0)
	require.NoError(t, err)
	assert.Equal(t, KindTest, tr.Kind())
	assert.Equal(t, "TEST", tr.Address())

	tr, err = New("/dev/hidraw0", 0)
	require.NoError(t, err)
	assert.Equal(t, KindDirectUSB, tr.Kind())
	assert.Equal(t, "/dev/hidraw0", tr.Address())

	tr, err = New("/dev/ttyUSB0", 0)
	require.NoError(t, err)
	require.Equal(t, KindSerial, tr.Kind())
	assert.Equal(t, DefaultBaudRate, tr.(*Serial).BaudRate())

	tr, err = New("/dev/ttyUSB0", 9600)
	require.NoError(t, err)
	assert.Equal(t, 9600, tr.(*Serial).BaudRate())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "test", KindTest.String())
	assert.Equal(t, "usb", KindDirectUSB.String())
	assert.Equal(t, "serial", KindSerial.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
}

func TestTest_Exchange(t *testing.T) {
	matched, err := command.Default().Match("QPI")
	require.NoError(t, err)

	raw, err := NewTest().Exchange(context.Background(), matched)
	require.NoError(t, err)
	assert.Equal(t, []byte("(PI30\r"), raw)

	again, err := NewTest().Exchange(context.Background(), matched)
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestTest_ExchangeWithoutFixture(t *testing.T) {
	catalog, err := command.Parse([]byte("- name: QX\n  type: QUERY\n"))
	require.NoError(t, err)
	matched, err := catalog.Match("QX")
	require.NoError(t, err)

	raw, err := NewTest().Exchange(context.Background(), matched)
	assert.ErrorIs(t, err, ErrNoFixture)
	assert.Nil(t, raw)
}
