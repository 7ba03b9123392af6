// Package harness runs simulation scenarios and checks their outcome.
//
// A scenario starts reference engines in-process, activates registered
// transceiver functions, runs the real synchronization loop for a fixed
// number of cycles, and evaluates assertions on the result.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: closed_loop
//	description: "What this scenario validates"
//	timestep: 20ms
//	cycles: 3
//	engines:
//	  - name: gazebo
//	    type: table
//	    resolution: 10ms
//	    config:
//	      devices:
//	        - {name: joints, kind: from_engine, data: {angle: 0.5, gain: 2}}
//	        - {name: motor, kind: to_engine}
//	      links:
//	        - {from: motor.torque, to: joints.angle}
//	functions: [joints_to_motor]
//	assertions:
//	  - type: run_status
//	    status: completed
//	  - type: final_device
//	    engine: gazebo
//	    device: joints
//	    expect: {angle: 4.0}
//
// # Assertion Types
//
//   - run_status: the run ended with the given status and, optionally, cycles
//   - engine_status: an engine ended connected, failed or disconnected
//   - final_device: a subset match on a device as its engine last held it
//   - failure_codes: the exact sequence of failure codes
//   - failure_count: how often one failure code was reported
//
// # Deterministic Testing
//
// Every run uses a fixed run id, a manual clock and a fresh in-memory run
// log, so the trace read back from the log (per-step snapshot hashes and
// failures) is identical across runs and can be compared against golden
// files with RunWithGolden.
package harness
