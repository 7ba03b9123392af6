// Package tfs registers the transceiver functions shipped with lockstep.
// Import it for its side effects:
//
//	import _ "github.com/roach88/lockstep/internal/tfs"
package tfs

import (
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/transceiver"
)

// NoiseRate is the Poisson rate, in Hz, voltage_to_noise drives the noise
// generator with.
const NoiseRate = 15000.0

func init() {
	transceiver.Register(transceiver.Binding{
		Name:   "voltage_to_noise",
		Inputs: []ir.DeviceID{ir.NewDeviceID("voltage", "nest")},
		Fn:     voltageToNoise,
	})
	transceiver.Register(transceiver.Binding{
		Name:   "count_spikes",
		Engine: "nest",
		Kind:   transceiver.KindPreprocessing,
		Inputs: []ir.DeviceID{ir.NewDeviceID("voltage", "nest")},
		Fn:     countSpikes,
	})
	transceiver.Register(transceiver.Binding{
		Name:   "joints_to_motor",
		Inputs: []ir.DeviceID{ir.NewDeviceID("joints", "gazebo")},
		Fn:     jointsToMotor,
	})
}

// voltageToNoise drives nest/noise at a fixed rate once voltage is
// available.
func voltageToNoise(transceiver.Call) ([]ir.Device, error) {
	return []ir.Device{
		ir.NewToEngine("noise", "nest", ir.IRObject{"rate": ir.IRFloat(NoiseRate)}),
	}, nil
}

// countSpikes publishes nest/spikes with the number of recorded voltage
// events.
func countSpikes(call transceiver.Call) ([]ir.Device, error) {
	voltage, _ := call.Input("voltage", "nest")
	events, _ := voltage.Data["events"].(ir.IRArray)
	return []ir.Device{
		ir.NewFromEngine("spikes", "nest", ir.IRObject{
			"count": ir.IRInt(len(events)),
			"step":  ir.IRInt(call.Step),
		}),
	}, nil
}

// jointsToMotor mirrors the joint angle into the motor command, scaled by
// the gain stored on the joints device (1.0 when absent).
func jointsToMotor(call transceiver.Call) ([]ir.Device, error) {
	joints, _ := call.Input("joints", "gazebo")
	angle := number(joints.Data["angle"])
	gain := 1.0
	if g, ok := joints.Data["gain"]; ok {
		gain = number(g)
	}
	return []ir.Device{
		ir.NewToEngine("motor", "gazebo", ir.IRObject{"torque": ir.IRFloat(angle * gain)}),
	}, nil
}

func number(v ir.IRValue) float64 {
	switch n := v.(type) {
	case ir.IRInt:
		return float64(n)
	case ir.IRFloat:
		return float64(n)
	default:
		return 0
	}
}
