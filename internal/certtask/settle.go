package certtask

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-settler/internal/network"
	"github.com/Klingon-tech/klingnet-settler/internal/settlement"
	"github.com/Klingon-tech/klingnet-settler/pkg/certificate"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

type settledTx struct {
	settled certificate.SettledCertificate
	hash    types.SettlementTxHash
}

// settle submits the settlement, or resumes an earlier one, and waits
// until it is confirmed. Timeouts resend with the same nonce a bounded
// number of times.
func (w *worker) settle(ctx context.Context, proof *certificate.Proof) (settledTx, error) {
	root := proof.NewPessimisticRoot
	previous, err := w.cfg.Store.GetSettlementTxHashes(w.id)
	if err != nil {
		return settledTx{}, fmt.Errorf("read settlement txs: %w", err)
	}

	var nonce *settlement.NonceInfo
	hash, resumed := w.resume(previous, root)
	if !resumed {
		if err := ctx.Err(); err != nil {
			return settledTx{}, err
		}
		hash, nonce, err = w.submit(proof, nil, previous)
		if err != nil {
			return settledTx{}, err
		}
	}

	for attempts := 0; ; attempts++ {
		w.recordTx(hash)
		res := w.waitFor(hash, root)

		switch res.Kind {
		case network.ResultSettled:
			return settledTx{
				settled: certificate.SettledCertificate{
					CertificateID: w.id,
					Height:        w.cert.Height,
					Epoch:         res.Epoch,
					Index:         res.Index,
				},
				hash: hash,
			}, nil
		case network.ResultFailed:
			return settledTx{}, fmt.Errorf("settlement: %w", res.Err)
		}

		if attempts >= w.cfg.MaxResubmissions {
			return settledTx{}, fmt.Errorf("%w: last tx %s: %v", ErrTooManyResubmissions, hash, res.Err)
		}

		switch res.Kind {
		case network.ResultSettledThroughOtherTx:
			w.logger.Info().
				Str("tx", res.TxHash.String()).
				Str("previous_tx", hash.String()).
				Msg("Waiting on settling tx")
			hash = res.TxHash
		case network.ResultTimeout:
			if err := ctx.Err(); err != nil {
				return settledTx{}, err
			}
			if nonce == nil {
				w.logger.Warn().Str("tx", hash.String()).Msg("Resubmitting without the previous nonce")
			}
			previous, err = w.cfg.Store.GetSettlementTxHashes(w.id)
			if err != nil {
				return settledTx{}, fmt.Errorf("read settlement txs: %w", err)
			}
			hash, nonce, err = w.submit(proof, nonce, previous)
			if err != nil {
				return settledTx{}, err
			}
		default:
			return settledTx{}, fmt.Errorf("unexpected settlement result %s", res.Kind)
		}
	}
}

// resume finds a settlement started before a restart. A prior tx that
// mined successfully, or an L1 root that already equals ours, means
// nothing has to be sent.
func (w *worker) resume(previous []types.SettlementTxHash, root types.Hash) (types.SettlementTxHash, bool) {
	if len(previous) == 0 {
		return types.SettlementTxHash{}, false
	}
	for i := len(previous) - 1; i >= 0; i-- {
		reply := make(chan network.MinedReply, 1)
		w.msgs <- network.CheckSettlementTx{TxHash: previous[i], Reply: reply}
		r := <-reply
		if r.Err == nil && r.Status == settlement.TxSuccessful {
			w.logger.Info().Str("tx", previous[i].String()).Msg("Resuming mined settlement tx")
			return previous[i], true
		}
	}

	reply := make(chan network.RootReply, 1)
	w.msgs <- network.FetchLatestContractPPRoot{Reply: reply}
	r := <-reply
	if r.Err == nil && r.Found && r.Root == root {
		w.logger.Info().Str("tx", r.TxHash.String()).Msg("Certificate root already on L1")
		return r.TxHash, true
	}
	return types.SettlementTxHash{}, false
}

func (w *worker) submit(proof *certificate.Proof, nonce *settlement.NonceInfo, previous []types.SettlementTxHash) (types.SettlementTxHash, *settlement.NonceInfo, error) {
	reply := make(chan network.SubmitReply, 1)
	w.msgs <- network.CertificateReadyForSettlement{
		Height:           w.cert.Height,
		CertificateID:    w.id,
		Submission:       w.submission(proof),
		NonceInfo:        nonce,
		PreviousTxHashes: previous,
		NewPPRoot:        proof.NewPessimisticRoot,
		Reply:            reply,
	}
	r := <-reply
	if r.Err != nil {
		return types.SettlementTxHash{}, nil, r.Err
	}
	if r.Nonce == nil {
		r.Nonce = nonce
	}
	return r.TxHash, r.Nonce, nil
}

func (w *worker) waitFor(hash types.SettlementTxHash, root types.Hash) network.SettlementResult {
	reply := make(chan network.SettlementResult, 1)
	w.msgs <- network.CertificateWaitingForSettlement{
		CertificateID: w.id,
		TxHash:        hash,
		NewPPRoot:     root,
		Reply:         reply,
	}
	return <-reply
}

// recordTx stores the tx hash before waiting so a restart can find it.
func (w *worker) recordTx(hash types.SettlementTxHash) {
	if err := w.cfg.Store.AddSettlementTxHash(w.id, hash); err != nil {
		w.logger.Warn().Err(err).Str("tx", hash.String()).Msg("Failed to record settlement tx")
	}
	w.updateHeader(func(h *certificate.Header) {
		tx := hash
		h.Status = certificate.StatusCandidate
		h.SettlementTxHash = &tx
	})
}
