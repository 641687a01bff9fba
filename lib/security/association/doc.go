// Package association implements one secured channel to a peer on top of an
// engine.Engine.
//
// An Association owns no goroutine. Work happens on the goroutine that
// delivers ciphertext or submits plaintext, plus retransmission callbacks
// run by a shared timer.Service. Every engine call for one association is
// serialized by its lock; datagrams, plaintext deliveries and state
// notifications are dispatched after the lock is released, so a synchronous
// transport may call straight back into the peer.
package association
