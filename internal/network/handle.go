package network

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-settler/pkg/certificate"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// handle processes one worker message. done is true for terminal messages.
// Only settlement persistence and invariant violations return an error.
func (t *Task) handle(ctx context.Context, cert *certificate.Certificate, id types.CertificateID, msg Message) (done bool, err error) {
	switch m := msg.(type) {
	case GetLocalNetworkStateBeforeHeight:
		if m.Height != t.nextExpectedHeight {
			m.Reply <- StateReply{Err: fmt.Errorf("state requested before height %d, next expected is %d",
				m.Height, t.nextExpectedHeight)}
			return false, nil
		}
		m.Reply <- StateReply{State: t.committed.snapshot()}
		return false, nil

	case CertificateExecuted:
		if m.CertificateID != id || m.Height != cert.Height {
			t.logger.Warn().
				Str("certificate_id", m.CertificateID.Short()).
				Uint64("height", uint64(m.Height)).
				Msg("Ignoring execution result for another certificate")
			return false, nil
		}
		t.pendingState = &executed{
			id:         m.CertificateID,
			height:     m.Height,
			state:      m.NewState.Clone(),
			exitLeaves: append([]types.Hash(nil), m.ExitLeaves...),
		}
		return false, nil

	case CertificateProven:
		if err := t.pending.SetLatestProvenCertificatePerNetwork(t.network, m.Height, m.CertificateID); err != nil {
			t.logger.Warn().Err(err).Uint64("height", uint64(m.Height)).Msg("Failed to record latest proven certificate")
		}
		return false, nil

	case CertificateReadyForSettlement:
		if t.atCapacity {
			m.Reply <- SubmitReply{Err: ErrAtCapacity}
			return false, nil
		}
		m.Reply <- t.submitSettlement(ctx, m)
		return false, nil

	case CertificateWaitingForSettlement:
		m.Reply <- t.waitForSettlement(ctx, m)
		return false, nil

	case CertificateSettled:
		return true, t.settle(id, m)

	case CertificateErrored:
		t.atCapacity = false
		t.publishStatus()
		t.metrics.erroredCertificate()
		t.logger.Warn().
			Err(m.Err).
			Uint64("height", uint64(cert.Height)).
			Str("certificate_id", m.CertificateID.Short()).
			Msg("Certificate errored")
		return true, nil

	case CheckSettlementTx:
		status, err := t.client.FetchSettlementReceiptStatus(ctx, m.TxHash)
		m.Reply <- MinedReply{Mined: err == nil && status.Mined(), Status: status, Err: err}
		return false, nil

	case FetchLatestContractPPRoot:
		root, tx, found, err := t.client.FetchLastSettledPPRoot(ctx, t.network)
		m.Reply <- RootReply{Root: root, TxHash: tx, Found: found, Err: err}
		return false, nil

	default:
		return true, fatalf("unknown worker message %T", msg)
	}
}

// settle commits the pending state with its settlement marker. The store
// write comes first: if it fails nothing in memory changed.
func (t *Task) settle(id types.CertificateID, m CertificateSettled) error {
	s := m.Settled
	if s.CertificateID != id || s.Height != t.nextExpectedHeight {
		return fatalf("settled certificate %s at height %d does not match in-flight %s at height %d",
			s.CertificateID.Short(), s.Height, id.Short(), t.nextExpectedHeight)
	}
	ps := t.pendingState
	if ps == nil || ps.id != id {
		return fatalf("certificate %s settled without an executed state", id.Short())
	}

	if err := t.state.CommitSettlement(t.network, ps.state, ps.exitLeaves, &s); err != nil {
		return fatalErr("commit settlement", err)
	}

	t.committed.commit(ps.state, s)
	t.atCapacity = true
	t.nextExpectedHeight = s.Height.Next()
	t.pendingState = nil
	t.publishStatus()
	t.metrics.settledCertificate(s.Epoch)

	t.logger.Info().
		Uint64("height", uint64(s.Height)).
		Str("certificate_id", id.Short()).
		Uint64("epoch", uint64(s.Epoch)).
		Uint64("index", uint64(s.Index)).
		Str("tx", m.TxHash.String()).
		Msg("Certificate settled")
	return nil
}
