// Package ir provides the value model shared by every lockstep package.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Device data is an IRObject whose values are sealed IRValue variants
//   - Canonical JSON (RFC 8785 key order, NFC strings) is the only encoding
//   - Floats keep their variant across encode/decode; ints stay int64
//   - Snapshots are immutable once built
//   - All JSON tags use snake_case
package ir
