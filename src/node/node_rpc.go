package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xornet/sectord/src/common"
	"github.com/xornet/sectord/src/dysfunction"
	"github.com/xornet/sectord/src/membership"
	"github.com/xornet/sectord/src/net"
)

func (n *Node) processRPC(rpc net.RPC) {
	switch cmd := rpc.Command.(type) {
	case *net.VoteRequest:
		n.processVoteRequest(rpc, cmd)
	case *net.KeyGenRequest:
		n.processKeyGenRequest(rpc, cmd)
	case *net.SectionInfoRequest:
		n.processSectionInfoRequest(rpc, cmd)
	case *net.JoinRequest:
		n.processJoinRequest(rpc, cmd)
	default:
		n.logger.WithField("cmd", rpc.Command).Error("Unexpected RPC command")
		rpc.Respond(nil, fmt.Errorf("unexpected command"))
	}
}

func (n *Node) processVoteRequest(rpc net.RPC, cmd *net.VoteRequest) {
	n.logger.WithFields(logrus.Fields{
		"from":   cmd.From,
		"height": cmd.Vote.Height,
		"voter":  cmd.Vote.Voter.Short(),
	}).Debug("process VoteRequest")

	resp := &net.VoteResponse{From: n.trans.AdvertiseAddr()}

	cons := n.getConsensus()
	if cons == nil {
		rpc.Respond(resp, nil)
		return
	}

	delta, err := membership.UnmarshalDelta(cmd.Delta)
	if err != nil {
		n.tracker.TrackIssue(cmd.Vote.Voter, dysfunction.InvalidMessageIssue)
		rpc.Respond(resp, err)
		return
	}

	err = cons.HandleVote(cmd.Vote, delta)
	switch {
	case err == nil:
		resp.Accepted = true
		n.deltaLock.Lock()
		n.deltaCache[common.EncodeToString(cmd.Vote.DeltaHash)] = cachedDelta{data: cmd.Delta, height: cmd.Vote.Height}
		n.deltaLock.Unlock()
		n.endorse(cons, delta, cmd.Vote.Height)
	case errors.Is(err, membership.ErrStaleProposal):
		// Stale votes are expected after a commit; not an offence.
		err = nil
	case errors.Is(err, membership.ErrInvalidProof):
		n.tracker.TrackIssue(cmd.Vote.Voter, dysfunction.InvalidMessageIssue)
	case errors.Is(err, membership.ErrKeyGenAborted):
		// The vote was registered and the commit is held; retried on the
		// next tick.
		resp.Accepted = true
		err = nil
	}

	if cons.Suspended() && n.getState() == Running {
		n.setState(Suspended)
	}

	rpc.Respond(resp, err)
}

// endorse casts this elder's own vote for a delta it has just learned about.
// Endorsing at most once per height keeps the node from equivocating when
// rival deltas race.
func (n *Node) endorse(cons *membership.Consensus, d membership.Delta, height int) {
	snap := cons.View().Current()
	if !n.isElder(snap) {
		return
	}

	// Sanity-check applicability so this elder does not lend its vote to a
	// delta that cannot commit.
	switch d.Kind {
	case membership.AddMember:
		if m, ok := snap.Members[d.Peer.Name]; ok && m.Status == membership.Joined {
			return
		}
	case membership.RemoveMember:
		m, ok := snap.Members[d.Peer.Name]
		if !ok || m.Status == membership.Left {
			return
		}
	}

	n.deltaLock.Lock()
	if height <= n.lastEndorsed {
		n.deltaLock.Unlock()
		return
	}
	n.lastEndorsed = height
	n.deltaLock.Unlock()

	vote, err := cons.Propose(d)
	if err != nil {
		n.logger.WithError(err).Debug("Endorsing delta")
		return
	}

	deltaBytes, err := d.Marshal()
	if err != nil {
		return
	}
	n.broadcastVote(vote, deltaBytes)
}

func (n *Node) processKeyGenRequest(rpc net.RPC, cmd *net.KeyGenRequest) {
	n.logger.WithFields(logrus.Fields{
		"from":        cmd.From,
		"commitments": len(cmd.Commitments),
		"shares":      len(cmd.Shares),
		"nonces":      len(cmd.Nonces),
		"partials":    len(cmd.Partials),
		"attested":    len(cmd.Attested),
	}).Debug("process KeyGenRequest")

	err := n.keygen.HandleEnvelope(cmd)
	if err != nil {
		n.logger.WithError(err).Debug("KeyGen envelope")
	}

	resp := &net.KeyGenResponse{
		From:     n.trans.AdvertiseAddr(),
		Accepted: err == nil,
	}
	rpc.Respond(resp, err)
}

func (n *Node) processSectionInfoRequest(rpc net.RPC, cmd *net.SectionInfoRequest) {
	n.logger.WithFields(logrus.Fields{
		"from":        cmd.From,
		"from_height": cmd.FromHeight,
	}).Debug("process SectionInfoRequest")

	resp := &net.SectionInfoResponse{From: n.trans.AdvertiseAddr()}

	cons := n.getConsensus()
	chain := n.getChain()
	if cons == nil || chain == nil {
		rpc.Respond(resp, fmt.Errorf("no section state yet"))
		return
	}

	stateBytes, err := cons.StateSnapshot().Marshal()
	if err != nil {
		rpc.Respond(resp, err)
		return
	}

	resp.State = stateBytes
	resp.ChainLinks = chain.Links()
	resp.BaseHeight = chain.HeadHeight() - (chain.Len() - 1)

	rpc.Respond(resp, nil)
}

func (n *Node) processJoinRequest(rpc net.RPC, cmd *net.JoinRequest) {
	n.logger.WithFields(logrus.Fields{
		"peer": cmd.Peer.Name.Short(),
		"addr": cmd.Peer.Addr,
	}).Debug("process JoinRequest")

	resp := &net.JoinResponse{From: n.trans.AdvertiseAddr()}

	cons := n.getConsensus()
	if cons == nil {
		rpc.Respond(resp, fmt.Errorf("no section state yet"))
		return
	}

	snap := cons.View().Current()
	resp.Prefix = snap.Prefix.String()
	resp.Elders = snap.Elders

	if !n.isElder(snap) {
		// Redirect the joiner to the elders.
		rpc.Respond(resp, nil)
		return
	}

	if !snap.Prefix.Matches(cmd.Peer.Name) {
		n.logger.Debug("JoinRequest from outside our prefix")
		rpc.Respond(resp, nil)
		return
	}

	if _, ok := snap.Members[cmd.Peer.Name]; ok {
		// Already admitted; a re-join after restart is answered directly.
		resp.Accepted = true
		rpc.Respond(resp, nil)
		return
	}

	viewCh := cons.View().Subscribe()

	n.propose(cons, membership.NewAddMember(cmd.Peer))

	//Wait for the admission to go through consensus
	timeout := time.After(n.conf.JoinTimeout)
	for {
		select {
		case <-viewCh:
			current := cons.View().Current()
			if m, ok := current.Members[cmd.Peer.Name]; ok && m.Status == membership.Joined {
				resp.Accepted = true
				resp.Prefix = current.Prefix.String()
				resp.Elders = current.Elders
				rpc.Respond(resp, nil)
				return
			}
		case <-timeout:
			respErr := fmt.Errorf("timeout waiting for JoinRequest to go through consensus")
			n.logger.WithError(respErr).Error()
			rpc.Respond(resp, respErr)
			return
		case <-n.shutdownCh:
			rpc.Respond(resp, net.ErrTransportShutdown)
			return
		}
	}
}
