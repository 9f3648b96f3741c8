package imudevice

import (
	"context"
	"net"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/imulink/cmd/imulink/subcmd"
	"github.com/temoto/imulink/device"
	"github.com/temoto/imulink/state"
)

var Mod = subcmd.Mod{Name: "device", Usage: "run sensor device loop", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	defer g.Close()
	cfg := config.Device
	if cfg.DeviceType == "" {
		cfg.DeviceType = "imu/" + subcmd.Version()
	}

	mac, err := deviceMAC(cfg)
	if err != nil {
		return errors.Annotate(err, "device mac")
	}
	var network device.Network
	switch cfg.Network {
	case "", "nmcli":
		network = device.NewNmcliNetwork(cfg.Interface, g.Log)
	case "none":
		network = device.StaticNetwork{Interface: cfg.Interface}
	default:
		return errors.NotValidf("config: device network=%s", cfg.Network)
	}
	store, err := device.NewPersistStore(config.Persist.Root, g.Log)
	if err != nil {
		return errors.Annotate(err, "credential store")
	}
	sensor, err := g.Sensor()
	if err != nil {
		return err
	}
	button, err := g.Button()
	if err != nil {
		return errors.Annotate(err, "reset button")
	}
	led, err := g.LED()
	if err != nil {
		return errors.Annotate(err, "led")
	}

	prov := device.NewProvisioner(g.Log)
	ctrl := device.NewController(device.Options{
		Config:      cfg,
		Log:         g.Log,
		MAC:         mac,
		Network:     network,
		Store:       store,
		Sensor:      sensor,
		Button:      button,
		LED:         led,
		Provisioner: prov,
	})
	g.Log.Infof("device mac=%s type=%s sensor=%s setup_ssid=%s", mac, cfg.DeviceType, sensor, device.SetupSSID(mac))
	if qr, err := device.QRText(device.JoinText(device.SetupSSID(mac), "")); err == nil {
		g.Log.Infof("setup access point:\n%s", qr)
	}

	ctx, cancel := subcmd.WithSignals(ctx)
	defer cancel()
	subcmd.SdNotify(daemon.SdNotifyReady)
	return ctrl.Run(ctx)
}

func deviceMAC(cfg state.DeviceConfig) (net.HardwareAddr, error) {
	if cfg.MAC != "" {
		return net.ParseMAC(cfg.MAC)
	}
	return device.InterfaceMAC(cfg.Interface)
}
