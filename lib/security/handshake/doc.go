// Package handshake implements engine.Engine as a datagram handshake in the
// style of DTLS, built from Noise XX exchanges.
//
// Every datagram is one record:
//
//	[type u8][epoch u16][seq u64][body]
//
// Epoch 0 carries the initial handshake in the clear. Each completed
// exchange installs the next epoch, whose records are sealed with
// ChaCha20-Poly1305 keys split from the Noise state, the sequence number as
// explicit nonce and the record header as associated data.
//
// The initial exchange runs five messages:
//
//	client -> ClientHello  {cookie, noise e}
//	server -> HelloVerify  {cookie}                 (only when the cookie is stale)
//	server -> ServerFlight {noise e ee s es, certificate}
//	client -> ClientFlight {noise s se, certificate}
//	server -> Finished     {channel binding}        (sealed under the new epoch)
//
// Each certificate travels with a signature by its key over the sender's
// Noise static key, tying the certificate to the authenticated channel.
// Renegotiation repeats the exchange inside the current epoch without the
// cookie round trip.
package handshake
