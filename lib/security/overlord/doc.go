// Package overlord multiplexes many secure associations over one insecure
// transport. It owns the node's trust store and identifier table, creates
// associations for outbound peers, spawns server associations for inbound
// first flights and routes every datagram by the identifier pair in its
// header.
package overlord
