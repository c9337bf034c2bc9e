// Package opcua exposes the process model as an OPC UA server.
//
// Every register becomes one Double variable, keyed by the register name,
// under a single PLC object. Values are floating point; unlike Modbus there
// is no truncation. Node values are read from the model on every request.
// After each tick the runtime calls Publish, which notifies subscribed
// clients of the variables that changed.
//
// A client write is applied to the model before the server answers. Each
// node of a batched WriteRequest gets its own status code: Good when the
// value was stored, BadNotWritable for read-only registers (whose
// AccessLevel is CurrentRead only) and BadTypeMismatch for values that are
// not finite numbers.
//
// The OPC UA stack is github.com/gopcua/opcua/server, reached through the
// Backend interface so the adapter can be tested without a network.
package opcua
