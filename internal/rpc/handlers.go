package rpc

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-settler/internal/orchestrator"
	"github.com/Klingon-tech/klingnet-settler/pkg/certificate"
)

// ── Interop endpoints ───────────────────────────────────────────────────

func (s *Server) handleSendCertificate(req *Request) (interface{}, *Error) {
	var params SendCertificateParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Certificate == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "certificate is required"}
	}
	if err := params.Certificate.Validate(); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid certificate: %v", err)}
	}

	id, err := s.orch.SendCertificate(params.Certificate)
	if err != nil {
		return nil, orchestratorError(err)
	}
	return &CertificateIDResult{CertificateID: id}, nil
}

func (s *Server) handleGetCertificateHeader(req *Request) (interface{}, *Error) {
	var params CertificateIDParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.CertificateID.IsZero() {
		return nil, &Error{Code: CodeInvalidParams, Message: "certificate_id is required"}
	}

	h, err := s.pending.GetCertificateHeader(params.CertificateID)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	if h == nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("certificate %s not found", params.CertificateID)}
	}
	return h, nil
}

func (s *Server) handleGetLatestSettledHeader(req *Request) (interface{}, *Error) {
	var params NetworkParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	settled, err := s.state.GetLatestSettledCertificatePerNetwork(params.NetworkID)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	if settled == nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("network %d has no settled certificate", params.NetworkID)}
	}
	return s.header(settled.CertificateID.String(), func() (*certificate.Header, error) {
		return s.pending.GetCertificateHeader(settled.CertificateID)
	})
}

// handleGetLatestPendingHeader returns the header of the highest stored
// certificate of a network unless it has already settled.
func (s *Server) handleGetLatestPendingHeader(req *Request) (interface{}, *Error) {
	var params NetworkParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	c, err := s.pending.LatestPendingCertificate(params.NetworkID)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	if c == nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("network %d has no pending certificate", params.NetworkID)}
	}
	id := c.ID()
	h, rpcErr := s.header(id.String(), func() (*certificate.Header, error) {
		return s.pending.GetCertificateHeader(id)
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	if h.Status == certificate.StatusSettled {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("network %d has no pending certificate", params.NetworkID)}
	}
	return h, nil
}

func (s *Server) handleGetEpochConfiguration(_ *Request) (interface{}, *Error) {
	return s.epochs, nil
}

// handleGetNetworkStatus returns one network when network_id is given,
// every known network otherwise.
func (s *Server) handleGetNetworkStatus(req *Request) (interface{}, *Error) {
	if req.Params == nil {
		return &NetworkStatusResult{Networks: s.orch.Networks()}, nil
	}
	var params NetworkParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	st, ok := s.orch.NetworkStatus(params.NetworkID)
	if !ok {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("network %d is not running", params.NetworkID)}
	}
	return &NetworkStatusResult{Networks: []orchestrator.NetworkStatus{st}}, nil
}

// ── Admin endpoints ─────────────────────────────────────────────────────

func (s *Server) handleRemovePendingCertificate(req *Request) (interface{}, *Error) {
	var params RemovePendingParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	id, err := s.orch.RemovePendingCertificate(params.NetworkID, params.Height)
	if err != nil {
		return nil, orchestratorError(err)
	}
	s.logger.Warn().
		Uint32("network_id", uint32(params.NetworkID)).
		Uint64("height", uint64(params.Height)).
		Str("certificate_id", id.Short()).
		Msg("Pending certificate removed over RPC")
	return &CertificateIDResult{CertificateID: id}, nil
}

// ── Helpers ─────────────────────────────────────────────────────────────

func (s *Server) header(id string, get func() (*certificate.Header, error)) (*certificate.Header, *Error) {
	h, err := get()
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	if h == nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("header of certificate %s not found", id)}
	}
	return h, nil
}

// orchestratorError maps orchestrator errors to RPC error codes.
func orchestratorError(err error) *Error {
	code := CodeInternalError
	switch {
	case errors.Is(err, orchestrator.ErrCertificateMissing):
		code = CodeNotFound
	case errors.Is(err, orchestrator.ErrHeightSettled),
		errors.Is(err, orchestrator.ErrCertificateExists),
		errors.Is(err, orchestrator.ErrCertificateInUse):
		code = CodeConflict
	case errors.Is(err, orchestrator.ErrNotRunning),
		errors.Is(err, orchestrator.ErrNetworkFailed):
		code = CodeUnavailable
	}
	return &Error{Code: code, Message: err.Error()}
}
