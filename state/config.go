package state

import (
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/imulink/hardware/gpio"
	"github.com/temoto/imulink/hardware/imu"
	"github.com/temoto/imulink/helpers"
	"github.com/temoto/imulink/log2"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Host     HostConfig   `hcl:"host"`
	Device   DeviceConfig `hcl:"device"`
	Hardware struct {
		Button gpio.ButtonConfig `hcl:"button"`
		LED    gpio.LEDConfig    `hcl:"led"`
		IMU    imu.Config        `hcl:"imu"`
	} `hcl:"hardware"`
	Mqtt    MqttConfig `hcl:"mqtt"`
	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`

	_copy_guard sync.Mutex //nolint:unused
}

type HostConfig struct { //nolint:maligned
	HeartbeatMs         int    `hcl:"heartbeat_ms"`
	LivenessMs          int    `hcl:"liveness_ms"`
	DiscoveryService    string `hcl:"discovery_service"`
	DiscoveryTimeoutSec int    `hcl:"discovery_timeout_sec"`
	// skip discovery, e.g. "192.168.4.1:4210"
	DeviceAddress string `hcl:"device_address"`
	Listen        string `hcl:"listen"`
	// host daemon sends startStreaming whenever device reports idle
	AutoStream bool `hcl:"auto_stream"`
	LogDebug   bool `hcl:"log_debug"`
}

type DeviceConfig struct { //nolint:maligned
	MAC               string `hcl:"mac"`
	Interface         string `hcl:"interface"`
	DeviceType        string `hcl:"device_type"`
	BasePort          int    `hcl:"base_port"`
	FleetSize         int    `hcl:"fleet_size"`
	ConnectTimeoutSec int    `hcl:"connect_timeout_sec"`
	PingTimeoutSec    int    `hcl:"ping_timeout_sec"`
	ResetHoldMs       int    `hcl:"reset_hold_ms"`
	TickMs            int    `hcl:"tick_ms"`
	StatusIntervalMs  int    `hcl:"status_interval_ms"`
	SetupListen       string `hcl:"setup_listen"`
	// "nmcli" or "none" (already connected network, e.g. ethernet)
	Network  string `hcl:"network"`
	LogDebug bool   `hcl:"log_debug"`
}

type MqttConfig struct { //nolint:maligned
	Enabled bool `hcl:"enable"`
	// external broker URL, paho client
	Broker string `hcl:"broker"`
	// embedded broker listen URL, e.g. "tcp://0.0.0.0:1883"
	Listen            string `hcl:"listen"`
	ClientID          string `hcl:"client_id"`
	TopicPrefix       string `hcl:"topic_prefix"`
	PersistPath       string `hcl:"persist_path"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	LogDebug          bool   `hcl:"log_debug"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// Normalize fills defaults and validates. Called by ReadConfig.
func (c *Config) Normalize(log *log2.Log) error {
	if c.Persist.Root == "" {
		c.Persist.Root = "./tmp-imulink-db"
		log.Infof("config: persist.root=empty changed=%s", c.Persist.Root)
	}
	if c.Mqtt.PersistPath == "" {
		c.Mqtt.PersistPath = filepath.Join(c.Persist.Root, "mqtt")
	}
	errs := make([]error, 0, 4)
	if c.Host.HeartbeatMs < 0 || c.Host.LivenessMs < 0 {
		errs = append(errs, errors.NotValidf("config: host heartbeat_ms=%d liveness_ms=%d", c.Host.HeartbeatMs, c.Host.LivenessMs))
	}
	if c.Host.HeartbeatMs > 0 && c.Host.LivenessMs > 0 && c.Host.LivenessMs <= c.Host.HeartbeatMs {
		errs = append(errs, errors.NotValidf("config: host liveness_ms=%d must exceed heartbeat_ms=%d", c.Host.LivenessMs, c.Host.HeartbeatMs))
	}
	if c.Device.FleetSize < 0 || c.Device.BasePort < 0 || c.Device.BasePort > 65535 {
		errs = append(errs, errors.NotValidf("config: device base_port=%d fleet_size=%d", c.Device.BasePort, c.Device.FleetSize))
	}
	if c.Mqtt.Enabled && c.Mqtt.Broker == "" && c.Mqtt.Listen == "" {
		errs = append(errs, errors.NotValidf("config: mqtt enabled with broker=empty listen=empty"))
	}
	return helpers.FoldErrors(errs)
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if len(errs) == 0 {
		if err := c.Normalize(log); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
