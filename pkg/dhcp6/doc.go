// Package dhcp6 implements a per-interface DHCPv6 client engine: a finite
// state machine that speaks RFC 3315 Solicit/Advertise/Request/Renew/
// Rebind/Confirm/Release/Information-Request exchanges on one network
// interface, backed by an RFC 3315 §14 randomized exponential-backoff
// retransmission controller and stable DUID/IAID identity.
//
// The engine does not implement the DHCPv6 wire codec, the socket layer,
// or kernel link/address discovery itself — it consumes the MessageCodec,
// Transport and NetInfo interfaces for those, so any concrete
// implementation can be swapped in. codec.go, transport.go and netinfo.go
// provide the adapters this repository ships with.
package dhcp6
