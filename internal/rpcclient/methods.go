package rpcclient

import (
	"github.com/Klingon-tech/klingnet-settler/internal/clock"
	"github.com/Klingon-tech/klingnet-settler/pkg/certificate"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// NetworkStatus is the state of one network task as reported by the settler.
type NetworkStatus struct {
	NetworkID          types.NetworkID                 `json:"network_id"`
	NextExpectedHeight types.Height                    `json:"next_expected_height"`
	AtCapacity         bool                            `json:"at_capacity"`
	InFlight           *types.CertificateID            `json:"in_flight,omitempty"`
	LatestSettled      *certificate.SettledCertificate `json:"latest_settled,omitempty"`
	Failed             bool                            `json:"failed"`
	Error              string                          `json:"error,omitempty"`
}

type networkParam struct {
	NetworkID types.NetworkID `json:"network_id"`
}

type certificateIDResult struct {
	CertificateID types.CertificateID `json:"certificate_id"`
}

// SendCertificate submits a certificate for settlement.
func (c *Client) SendCertificate(cert *certificate.Certificate) (types.CertificateID, error) {
	var res certificateIDResult
	err := c.Call("interop_sendCertificate", map[string]interface{}{"certificate": cert}, &res)
	return res.CertificateID, err
}

// CertificateHeader returns the header of a certificate.
func (c *Client) CertificateHeader(id types.CertificateID) (*certificate.Header, error) {
	var h certificate.Header
	if err := c.Call("interop_getCertificateHeader", map[string]interface{}{"certificate_id": id}, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// LatestSettledHeader returns the header of the last certificate settled
// for a network.
func (c *Client) LatestSettledHeader(network types.NetworkID) (*certificate.Header, error) {
	var h certificate.Header
	if err := c.Call("interop_getLatestSettledCertificateHeader", networkParam{NetworkID: network}, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// LatestPendingHeader returns the header of the newest unsettled certificate
// of a network.
func (c *Client) LatestPendingHeader(network types.NetworkID) (*certificate.Header, error) {
	var h certificate.Header
	if err := c.Call("interop_getLatestPendingCertificateHeader", networkParam{NetworkID: network}, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// EpochConfiguration returns how the settler derives epochs.
func (c *Client) EpochConfiguration() (*clock.Configuration, error) {
	var cfg clock.Configuration
	if err := c.Call("interop_getEpochConfiguration", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NetworkStatus returns the status of every network, or only of network
// when it is not nil.
func (c *Client) NetworkStatus(network *types.NetworkID) ([]NetworkStatus, error) {
	var params interface{}
	if network != nil {
		params = networkParam{NetworkID: *network}
	}
	var res struct {
		Networks []NetworkStatus `json:"networks"`
	}
	if err := c.Call("interop_getNetworkStatus", params, &res); err != nil {
		return nil, err
	}
	return res.Networks, nil
}

// RemovePendingCertificate removes the pending certificate of a network at
// height and returns its id.
func (c *Client) RemovePendingCertificate(network types.NetworkID, height types.Height) (types.CertificateID, error) {
	var res certificateIDResult
	params := map[string]interface{}{"network_id": network, "height": height}
	err := c.Call("admin_removePendingCertificate", params, &res)
	return res.CertificateID, err
}
