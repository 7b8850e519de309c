package net

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xornet/sectord/src/common"
	"github.com/xornet/sectord/src/membership"
	"github.com/xornet/sectord/src/xor"
)

func testVoteRequest() *VoteRequest {
	var voter xor.Name
	voter[0] = 0x42

	return &VoteRequest{
		From: "test",
		Vote: membership.Vote{
			Height:    3,
			DeltaHash: []byte{1, 2, 3},
			Voter:     voter,
			Signature: "r|s",
		},
		Delta: []byte(`{"Kind":0}`),
	}
}

func TestNetworkTransportVote(t *testing.T) {
	logger := common.NewTestLogger(t, logrus.DebugLevel).WithField("prefix", "net")

	trans1, err := NewTCPTransport("127.0.0.1:0", "", 2, time.Second, time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer trans1.Close()
	go trans1.Listen()

	args := testVoteRequest()
	expected := &VoteResponse{From: trans1.AdvertiseAddr(), Accepted: true}

	go func() {
		select {
		case rpc := <-trans1.Consumer():
			req, ok := rpc.Command.(*VoteRequest)
			if !ok {
				rpc.Respond(nil, ErrTransportShutdown)
				return
			}
			if req.Vote.Height != args.Vote.Height {
				rpc.Respond(nil, ErrTransportShutdown)
				return
			}
			rpc.Respond(expected, nil)
		case <-time.After(time.Second):
		}
	}()

	trans2, err := NewTCPTransport("127.0.0.1:0", "", 2, time.Second, time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer trans2.Close()

	var resp VoteResponse
	if err := trans2.Vote(trans1.AdvertiseAddr(), args, &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Accepted || resp.From != expected.From {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestNetworkTransportSectionInfo(t *testing.T) {
	logger := common.NewTestLogger(t, logrus.DebugLevel).WithField("prefix", "net")

	trans1, err := NewTCPTransport("127.0.0.1:0", "", 2, time.Second, time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer trans1.Close()
	go trans1.Listen()

	go func() {
		select {
		case rpc := <-trans1.Consumer():
			req := rpc.Command.(*SectionInfoRequest)
			rpc.Respond(&SectionInfoResponse{
				From:       "responder",
				State:      []byte("state"),
				BaseHeight: req.FromHeight,
			}, nil)
		case <-time.After(time.Second):
		}
	}()

	trans2, err := NewTCPTransport("127.0.0.1:0", "", 2, time.Second, time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer trans2.Close()

	var resp SectionInfoResponse
	if err := trans2.SectionInfo(trans1.AdvertiseAddr(), &SectionInfoRequest{From: "x", FromHeight: 7}, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.BaseHeight != 7 || string(resp.State) != "state" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestInmemTransportRoundTrip(t *testing.T) {
	addr1, trans1 := NewInmemTransport("")
	defer trans1.Close()
	addr2, trans2 := NewInmemTransport("")
	defer trans2.Close()

	trans1.Connect(addr2, trans2)
	trans2.Connect(addr1, trans1)

	go func() {
		select {
		case rpc := <-trans2.Consumer():
			rpc.Respond(&JoinResponse{From: addr2, Accepted: true, Prefix: "0"}, nil)
		case <-time.After(time.Second):
		}
	}()

	var resp JoinResponse
	err := trans1.Join(addr2, &JoinRequest{Peer: membership.Peer{Addr: addr1}}, &resp)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Accepted || resp.Prefix != "0" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestInmemTransportUnknownTarget(t *testing.T) {
	_, trans := NewInmemTransport("")
	defer trans.Close()

	var resp VoteResponse
	if err := trans.Vote("nowhere", testVoteRequest(), &resp); err == nil {
		t.Fatal("expected connection failure")
	}
}
