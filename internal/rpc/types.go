package rpc

import (
	"github.com/Klingon-tech/klingnet-settler/internal/orchestrator"
	"github.com/Klingon-tech/klingnet-settler/pkg/certificate"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeConflict       = -32001 // The request contradicts stored state.
	CodeUnavailable    = -32002 // The network task is not running.
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// SendCertificateParam is used by interop_sendCertificate.
type SendCertificateParam struct {
	Certificate *certificate.Certificate `json:"certificate"`
}

// CertificateIDParam is used by interop_getCertificateHeader.
type CertificateIDParam struct {
	CertificateID types.CertificateID `json:"certificate_id"`
}

// NetworkParam is used by endpoints that take a network id.
type NetworkParam struct {
	NetworkID types.NetworkID `json:"network_id"`
}

// RemovePendingParam is used by admin_removePendingCertificate.
type RemovePendingParam struct {
	NetworkID types.NetworkID `json:"network_id"`
	Height    types.Height    `json:"height"`
}

// ── Result types ────────────────────────────────────────────────────────

// CertificateIDResult is returned by endpoints that accept or remove a certificate.
type CertificateIDResult struct {
	CertificateID types.CertificateID `json:"certificate_id"`
}

// NetworkStatusResult is returned by interop_getNetworkStatus.
type NetworkStatusResult struct {
	Networks []orchestrator.NetworkStatus `json:"networks"`
}
