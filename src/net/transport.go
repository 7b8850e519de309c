package net

// Transport provides an interface for network transports to allow a node to
// communicate with other nodes.
type Transport interface {

	// Listen starts the transport listening.
	Listen()

	// Consumer returns a channel that can be used to consume and respond to
	// RPC requests.
	Consumer() <-chan RPC

	// LocalAddr is used to return our local address.
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other
	// peers can reach us.
	AdvertiseAddr() string

	// Vote, KeyGen, SectionInfo, and Join send the appropriate RPC to the
	// target node.

	Vote(target string, args *VoteRequest, resp *VoteResponse) error

	KeyGen(target string, args *KeyGenRequest, resp *KeyGenResponse) error

	SectionInfo(target string, args *SectionInfoRequest, resp *SectionInfoResponse) error

	Join(target string, args *JoinRequest, resp *JoinResponse) error

	// Close permanently closes a transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}
