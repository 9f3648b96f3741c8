package device

import (
	"bytes"
	"context"
	"net"
	"os/exec"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/imulink/log2"
)

// Network controls wireless association and setup access point.
type Network interface {
	Associate(ctx context.Context, c Credentials) (net.IP, error)
	StartAP(ctx context.Context, ssid string) (net.IP, error)
	StopAP(ctx context.Context) error
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, errors.Annotatef(err, "%s %s stderr=%s", name, args[0], strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

const apConnection = "imulink-setup"

// NmcliNetwork drives NetworkManager command line.
type NmcliNetwork struct {
	Interface string
	Log       *log2.Log

	run    runFunc
	addrOf func(iface string) (net.IP, error)
}

func NewNmcliNetwork(iface string, log *log2.Log) *NmcliNetwork {
	return &NmcliNetwork{Interface: iface, Log: log, run: execRun, addrOf: InterfaceIPv4}
}

func (n *NmcliNetwork) Associate(ctx context.Context, c Credentials) (net.IP, error) {
	args := []string{"device", "wifi", "connect", c.SSID}
	if c.Password != "" {
		args = append(args, "password", c.Password)
	}
	args = append(args, "ifname", n.Interface)
	n.Log.Debugf("network associate ssid=%s ifname=%s", c.SSID, n.Interface)
	if _, err := n.run(ctx, "nmcli", args...); err != nil {
		return nil, errors.Annotatef(err, "associate ssid=%s", c.SSID)
	}
	return n.addrOf(n.Interface)
}

func (n *NmcliNetwork) StartAP(ctx context.Context, ssid string) (net.IP, error) {
	// stale profile from previous boot
	_, _ = n.run(ctx, "nmcli", "connection", "delete", apConnection)
	add := []string{"connection", "add", "type", "wifi", "ifname", n.Interface,
		"con-name", apConnection, "autoconnect", "no", "ssid", ssid,
		"802-11-wireless.mode", "ap", "ipv4.method", "shared"}
	if _, err := n.run(ctx, "nmcli", add...); err != nil {
		return nil, errors.Annotatef(err, "access point ssid=%s", ssid)
	}
	if _, err := n.run(ctx, "nmcli", "connection", "up", apConnection); err != nil {
		return nil, errors.Annotatef(err, "access point ssid=%s", ssid)
	}
	return n.addrOf(n.Interface)
}

func (n *NmcliNetwork) StopAP(ctx context.Context) error {
	_, err := n.run(ctx, "nmcli", "connection", "down", apConnection)
	return errors.Annotate(err, "access point stop")
}

// StaticNetwork is for devices already on network (ethernet, dev machine).
// Association always succeeds, access point is pretend.
type StaticNetwork struct {
	Interface string
}

func (n StaticNetwork) Associate(context.Context, Credentials) (net.IP, error) {
	return n.ip()
}
func (n StaticNetwork) StartAP(context.Context, string) (net.IP, error) { return n.ip() }
func (n StaticNetwork) StopAP(context.Context) error                    { return nil }

func (n StaticNetwork) ip() (net.IP, error) {
	if n.Interface == "" {
		return net.IPv4(127, 0, 0, 1).To4(), nil
	}
	return InterfaceIPv4(n.Interface)
}

func InterfaceIPv4(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, errors.Annotatef(err, "interface=%s", name)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, errors.Annotatef(err, "interface=%s addrs", name)
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if ip4 := ipn.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, errors.NotFoundf("interface=%s IPv4 address", name)
}

func InterfaceMAC(name string) (net.HardwareAddr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, errors.Annotatef(err, "interface=%s", name)
	}
	if len(iface.HardwareAddr) == 0 {
		return nil, errors.NotFoundf("interface=%s hardware address", name)
	}
	return iface.HardwareAddr, nil
}

func formatMAC(mac net.HardwareAddr) string {
	return strings.ToUpper(mac.String())
}
