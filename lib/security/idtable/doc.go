// Package idtable assigns and parses the identifier pair prefixed to every
// secured datagram and indexes live associations by their local id.
//
// On the wire a sender writes its own local id followed by the id it learned
// for the peer. A receiver therefore reads the pair swapped: the first field
// is the peer's id (its remote id) and the second is its own local id.
package idtable
