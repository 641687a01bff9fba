// Package engine defines the narrow contract between an association and the
// cryptographic engine driving it. An engine never touches the network: the
// association writes received records into In, calls Step or Read, and
// drains the records the engine produced from Out.
//
// Engines are not safe for concurrent use. The owner serializes every call.
package engine
