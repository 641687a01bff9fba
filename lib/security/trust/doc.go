// Package trust holds the certificates an overlay node trusts and the
// certificates it presents to peers.
//
// Certificates are x509 with a SubjectAltName URI naming the node. A
// certificate's serial number is the hash of the unsigned data of the
// certificate that signed it, so a self-signed trust anchor and every leaf it
// issues share one serial. The serial is therefore enough to find the CA that
// must validate a leaf, without an issuer lookup.
//
// A Store is safe for concurrent use.
package trust
