package network

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-settler/internal/settlement"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// submitSettlement sends the settlement transaction. When sending fails the
// certificate may already be settled by an earlier attempt, so reconcile
// decides before the failure is reported.
func (t *Task) submitSettlement(ctx context.Context, m CertificateReadyForSettlement) SubmitReply {
	var sub settlement.Submission
	if m.Submission != nil {
		sub = *m.Submission
	}
	sub.NetworkID = t.network
	sub.Height = m.Height
	sub.CertificateID = m.CertificateID
	sub.NewPessimisticRoot = m.NewPPRoot
	sub.Nonce = m.NonceInfo

	hash, err := t.client.SubmitCertificateSettlement(ctx, &sub)
	if err == nil {
		nonce, nerr := t.client.FetchSettlementNonce(ctx, hash)
		if nerr != nil {
			t.logger.Debug().Err(nerr).Str("tx", hash.String()).Msg("Settlement nonce unavailable")
			nonce = nil
		}
		return SubmitReply{TxHash: hash, Nonce: nonce}
	}

	t.metrics.submitFailure()
	t.logger.Warn().
		Err(err).
		Uint64("height", uint64(m.Height)).
		Int("previous_txs", len(m.PreviousTxHashes)).
		Msg("Settlement submission failed, reconciling")

	if adopted, ok := t.reconcile(ctx, m.PreviousTxHashes, m.NewPPRoot); ok {
		t.metrics.reconciledSettlement("submit")
		t.logger.Info().
			Uint64("height", uint64(m.Height)).
			Str("tx", adopted.String()).
			Msg("Adopted earlier settlement tx")
		return SubmitReply{TxHash: adopted}
	}
	return SubmitReply{Err: fmt.Errorf("submit settlement: %w", err)}
}

// reconcile looks for evidence that the certificate is already settled.
// Candidates are tried in order; the first mined one, successful or
// reverted, is adopted. A reverted one surfaces its failure on the next
// wait. Otherwise the latest root on L1 is compared to the expected root.
func (t *Task) reconcile(ctx context.Context, candidates []types.SettlementTxHash, expectedRoot types.Hash) (types.SettlementTxHash, bool) {
	for _, hash := range candidates {
		status, err := t.client.FetchSettlementReceiptStatus(ctx, hash)
		if err != nil {
			t.logger.Debug().Err(err).Str("tx", hash.String()).Msg("Receipt query failed during reconciliation")
			continue
		}
		if status.Mined() {
			return hash, true
		}
	}

	root, hash, found, err := t.client.FetchLastSettledPPRoot(ctx, t.network)
	if err != nil {
		t.logger.Debug().Err(err).Msg("Latest settled root unavailable during reconciliation")
		return types.SettlementTxHash{}, false
	}
	if found && root == expectedRoot {
		return hash, true
	}
	return types.SettlementTxHash{}, false
}

// waitForSettlement waits for a transaction. A timeout is not final: the
// transaction may be mined with its event missed, or another transaction
// may have settled the same root.
func (t *Task) waitForSettlement(ctx context.Context, m CertificateWaitingForSettlement) SettlementResult {
	epoch, index, err := t.client.WaitForSettlement(ctx, m.TxHash, m.CertificateID)
	if err == nil {
		return SettlementResult{Kind: ResultSettled, Epoch: epoch, Index: index, TxHash: m.TxHash}
	}
	if !settlement.IsTimeout(err) {
		return SettlementResult{Kind: ResultFailed, TxHash: m.TxHash, Err: err}
	}

	status, serr := t.client.FetchSettlementReceiptStatus(ctx, m.TxHash)
	switch {
	case serr != nil:
		t.logger.Debug().Err(serr).Str("tx", m.TxHash.String()).Msg("Receipt query failed after timeout")
	case status == settlement.TxSuccessful:
		t.metrics.reconciledSettlement("wait")
		return SettlementResult{Kind: ResultSettledThroughOtherTx, TxHash: m.TxHash}
	case status == settlement.TxReverted:
		return SettlementResult{Kind: ResultFailed, TxHash: m.TxHash,
			Err: fmt.Errorf("%w: tx %s", settlement.ErrReverted, m.TxHash)}
	}

	if adopted, ok := t.reconcile(ctx, nil, m.NewPPRoot); ok {
		t.metrics.reconciledSettlement("wait")
		t.logger.Info().
			Str("tx", adopted.String()).
			Str("timed_out_tx", m.TxHash.String()).
			Msg("Certificate settled through another tx")
		return SettlementResult{Kind: ResultSettledThroughOtherTx, TxHash: adopted}
	}
	return SettlementResult{Kind: ResultTimeout, TxHash: m.TxHash, Err: err}
}
