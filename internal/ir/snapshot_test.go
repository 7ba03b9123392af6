package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotOrderAndLookup(t *testing.T) {
	voltage := NewDeviceID("voltage", "nest")
	pose := NewDeviceID("pose", "gazebo")

	snap := NewSnapshot(3, []Device{
		NewFromEngine("voltage", "nest", IRObject{"v": IRFloat(-65)}),
		NewFromEngine("pose", "gazebo", IRObject{"x": IRFloat(1)}),
	})

	assert.Equal(t, int64(3), snap.Step())
	assert.Equal(t, 2, snap.Len())
	assert.Equal(t, []DeviceID{voltage, pose}, snap.IDs())

	d, ok := snap.Get(voltage)
	require.True(t, ok)
	assert.Equal(t, IRFloat(-65), d.Data["v"])

	_, ok = snap.Get(NewDeviceID("missing", "nest"))
	assert.False(t, ok)
	assert.True(t, snap.Has(pose))
}

func TestSnapshotIsImmutable(t *testing.T) {
	src := []Device{NewFromEngine("voltage", "nest", IRObject{"v": IRFloat(-65)})}
	snap := NewSnapshot(1, src)

	// Mutating the input slice after construction has no effect.
	src[0].Data["v"] = IRFloat(0)

	// Mutating a returned device has no effect.
	d, _ := snap.Get(src[0].ID)
	d.Data["v"] = IRFloat(1)
	all := snap.Devices()
	all[0].Data["v"] = IRFloat(2)

	again, _ := snap.Get(src[0].ID)
	assert.Equal(t, IRFloat(-65), again.Data["v"])
}

func TestSnapshotDuplicateKeepsFirstPosition(t *testing.T) {
	snap := NewSnapshot(1, []Device{
		NewFromEngine("a", "e", IRObject{"v": IRInt(1)}),
		NewFromEngine("b", "e", nil),
		NewFromEngine("a", "e", IRObject{"v": IRInt(2)}),
	})

	assert.Equal(t, []DeviceID{NewDeviceID("a", "e"), NewDeviceID("b", "e")}, snap.IDs())
	d, _ := snap.Get(NewDeviceID("a", "e"))
	assert.Equal(t, IRInt(2), d.Data["v"])
}

func TestSnapshotWith(t *testing.T) {
	base := NewSnapshot(4, []Device{NewFromEngine("voltage", "nest", IRObject{"v": IRFloat(1)})})
	merged := base.With([]Device{
		NewFromEngine("voltage", "nest", IRObject{"v": IRFloat(2)}),
		NewFromEngine("filtered", "nest", IRObject{"v": IRFloat(3)}),
	})

	assert.Equal(t, 1, base.Len())
	orig, _ := base.Get(NewDeviceID("voltage", "nest"))
	assert.Equal(t, IRFloat(1), orig.Data["v"])

	assert.Equal(t, int64(4), merged.Step())
	assert.Equal(t, 2, merged.Len())
	updated, _ := merged.Get(NewDeviceID("voltage", "nest"))
	assert.Equal(t, IRFloat(2), updated.Data["v"])
}
