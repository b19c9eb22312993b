package refresh

import (
	"context"
	"fmt"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wg-telemetry/pkg/protocol"
)

type deviceClient interface {
	Devices() ([]*wgtypes.Device, error)
	Close() error
}

// DeviceSource reads device state through wgctrl instead of running `wg`,
// and renders it in dump format so it goes through the same parser.
type DeviceSource struct {
	client deviceClient
}

// NewDeviceSource opens a wgctrl client.
func NewDeviceSource() (*DeviceSource, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wgctrl client: %w", err)
	}
	return &DeviceSource{client: c}, nil
}

// Dump lists all devices and renders them.
func (s *DeviceSource) Dump(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	devices, err := s.client.Devices()
	if err != nil {
		return "", fmt.Errorf("list wireguard devices: %w", err)
	}
	return RenderDevices(devices), nil
}

// Close releases the wgctrl client.
func (s *DeviceSource) Close() error {
	return s.client.Close()
}

// RenderDevices formats devices the way `wg show all dump` prints them.
// Private keys are never rendered.
func RenderDevices(devices []*wgtypes.Device) string {
	var sb strings.Builder
	for _, d := range devices {
		if d == nil {
			continue
		}
		sb.WriteString(protocol.FormatInterfaceLine(d.Name, "", keyString(d.PublicKey), d.ListenPort, d.FirewallMark))
		for _, p := range d.Peers {
			line := protocol.PeerLine{
				Interface:        d.Name,
				PublicKey:        keyString(p.PublicKey),
				PresharedKey:     keyString(p.PresharedKey),
				ReceiveBytes:     p.ReceiveBytes,
				TransmitBytes:    p.TransmitBytes,
				KeepaliveSeconds: int64(p.PersistentKeepaliveInterval.Seconds()),
			}
			if p.Endpoint != nil {
				line.Endpoint = p.Endpoint.String()
			}
			for _, ip := range p.AllowedIPs {
				line.AllowedIPs = append(line.AllowedIPs, ip.String())
			}
			if !p.LastHandshakeTime.IsZero() {
				line.LatestHandshake = p.LastHandshakeTime.Unix()
			}
			sb.WriteString(protocol.FormatPeerLine(line))
		}
	}
	return sb.String()
}

func keyString(k wgtypes.Key) string {
	if k == (wgtypes.Key{}) {
		return ""
	}
	return k.String()
}
