// Sub-commands of imulink binary: device daemon, host daemon, interactive host.
package subcmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/imulink/state"
)

type Mod struct {
	Name  string
	Usage string
	Main  func(context.Context, *state.Config) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown command='%s'", command)
}

func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}

// Version for logs and status deviceType suffix, e.g. "v1.2.0+a1b2c3d".
func Version() string {
	v := versioninfo.Version
	if r := versioninfo.Revision; r != "" && r != "unknown" {
		if len(r) > 7 {
			r = r[:7]
		}
		v += "+" + r
	}
	if versioninfo.DirtyBuild {
		v += "-dirty"
	}
	return v
}

// WithSignals returns context canceled on SIGINT/SIGTERM.
func WithSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
