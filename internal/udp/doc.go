// Package udp relays datagrams for SOCKS5 UDP ASSOCIATE on both tunnel hops.
//
// Each association owns one ephemeral UDP socket and a two-entry allow-list: the
// origin, which is the side that asked for the association, and the peer, which is
// where translated datagrams are sent. Datagrams from any other address are dropped.
//
// # Local hop
//
// The origin is the SOCKS client. The peer is the Remote relay, known from the
// Remote's command reply. Client frames are checked for fragmentation and encrypted;
// datagrams from the peer are decrypted back to plain SOCKS5 UDP frames.
//
// # Remote hop
//
// The origin is the Local relay. The peer is the first target the origin addresses.
// Encrypted frames are decrypted and their payload sent to the target; target replies
// are wrapped in a frame carrying the sender address and encrypted.
//
// A Relay serves from a single goroutine, so translators need not be safe for
// concurrent use.
package udp
