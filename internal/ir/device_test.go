package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceIDString(t *testing.T) {
	assert.Equal(t, "nest/voltage", NewDeviceID("voltage", "nest").String())
}

func TestDeviceIDValidate(t *testing.T) {
	require.NoError(t, NewDeviceID("voltage", "nest").Validate())
	require.Error(t, NewDeviceID("", "nest").Validate())
	require.Error(t, NewDeviceID("voltage", "").Validate())
	assert.True(t, DeviceID{}.IsZero())
}

func TestDeviceIDIsComparableKey(t *testing.T) {
	m := map[DeviceID]int{
		NewDeviceID("voltage", "nest"):   1,
		NewDeviceID("voltage", "gazebo"): 2,
	}
	assert.Equal(t, 1, m[NewDeviceID("voltage", "nest")])
	assert.Equal(t, 2, m[NewDeviceID("voltage", "gazebo")])
}

func TestDeviceKindValid(t *testing.T) {
	assert.True(t, FromEngine.Valid())
	assert.True(t, ToEngine.Valid())
	assert.False(t, DeviceKind("sideways").Valid())
	assert.False(t, DeviceKind("").Valid())
}

func TestDeviceJSONFieldNaming(t *testing.T) {
	d := NewToEngine("noise", "nest", IRObject{"rate": IRFloat(15000)})

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"device_id":{"name":"noise","engine_name":"nest"},"kind":"to_engine","data":{"rate":15000.0}}`, string(data))
}

func TestDeviceEqual(t *testing.T) {
	a := NewFromEngine("x", "e", nil)
	b := NewFromEngine("x", "e", IRObject{})
	assert.True(t, a.Equal(b))
	assert.True(t, a.IsEmpty())

	c := NewFromEngine("x", "e", IRObject{"v": IRInt(1)})
	assert.False(t, a.Equal(c))
	assert.False(t, c.Equal(NewToEngine("x", "e", IRObject{"v": IRInt(1)})))
}

func TestCloneDevices(t *testing.T) {
	assert.Nil(t, CloneDevices(nil))

	orig := []Device{NewFromEngine("x", "e", IRObject{"v": IRInt(1)})}
	cp := CloneDevices(orig)
	cp[0].Data["v"] = IRInt(2)
	assert.Equal(t, IRInt(1), orig[0].Data["v"])
}
