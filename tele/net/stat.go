package telenet

// Complex values are read and modified atomically, but not consistently,
// i.e. it is possible to read .Count=1 .Size=0 because Size has not updated yet.

import (
	"encoding/json"
	"expvar"
	"fmt"

	"github.com/temoto/imulink/tele"
)

type SessionStat struct {
	Recv Counters
	Send Counters
}

func (ss *SessionStat) Add(other *SessionStat) {
	ss.Recv.Add(&other.Recv)
	ss.Send.Add(&other.Send)
}

func (ss *SessionStat) Value() (r SessionStat) {
	r.Recv.Set(ss.Recv.Value())
	r.Send.Set(ss.Send.Value())
	return
}

func (ss *SessionStat) String() string {
	return fmt.Sprintf(`{"recv":%s,"send":%s}`, ss.Recv.String(), ss.Send.String())
}

// Publish exposes stat via expvar (/debug/vars) under name.
// Repeated publish of same name is ignored, expvar would panic.
func (ss *SessionStat) Publish(name string) {
	if expvar.Get(name) != nil {
		return
	}
	expvar.Publish(name, expvar.Func(func() interface{} {
		return json.RawMessage(ss.String())
	}))
}

type Counters struct {
	Cmd     CountSizePair
	Status  CountSizePair
	Tele    CountSizePair
	Total   CountSizePair
	Dropped expvar.Int
	Errors  expvar.Int
}

func (c *Counters) Add(c2 *Counters) {
	c.Cmd.Add(&c2.Cmd)
	c.Status.Add(&c2.Status)
	c.Tele.Add(&c2.Tele)
	c.Total.Add(&c2.Total)
	c.Dropped.Add(c2.Dropped.Value())
	c.Errors.Add(c2.Errors.Value())
}

// Register accounts datagram by wire category.
// Telemetry by length, status is JSON object, anything else is command text.
func (c *Counters) Register(b []byte) {
	size := int64(len(b))
	c.Total.Count.Add(1)
	c.Total.Size.Add(size)
	var category *CountSizePair
	switch {
	case tele.Classify(b) == tele.KindTelemetry:
		category = &c.Tele
	case len(b) > 0 && b[0] == '{':
		category = &c.Status
	default:
		category = &c.Cmd
	}
	category.Count.Add(1)
	category.Size.Add(size)
}

func (c *Counters) Set(new Counters) {
	c.Cmd.Set(new.Cmd.Value())
	c.Status.Set(new.Status.Value())
	c.Tele.Set(new.Tele.Value())
	c.Total.Set(new.Total.Value())
	c.Dropped.Set(new.Dropped.Value())
	c.Errors.Set(new.Errors.Value())
}

func (c *Counters) Value() (r Counters) {
	r.Cmd = c.Cmd.Value()
	r.Status = c.Status.Value()
	r.Tele = c.Tele.Value()
	r.Total = c.Total.Value()
	r.Dropped.Set(c.Dropped.Value())
	r.Errors.Set(c.Errors.Value())
	return
}

func (c *Counters) String() string {
	return fmt.Sprintf(`{"cmd.count":%d,"cmd.size":%d,"status.count":%d,"status.size":%d,"tele.count":%d,"tele.size":%d,"total.count":%d,"total.size":%d,"dropped":%d,"errors":%d}`,
		c.Cmd.Count.Value(), c.Cmd.Size.Value(),
		c.Status.Count.Value(), c.Status.Size.Value(),
		c.Tele.Count.Value(), c.Tele.Size.Value(),
		c.Total.Count.Value(), c.Total.Size.Value(),
		c.Dropped.Value(), c.Errors.Value())
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func (csp *CountSizePair) Add(other *CountSizePair) {
	csp.Count.Add(other.Count.Value())
	csp.Size.Add(other.Size.Value())
}

func (csp *CountSizePair) Value() (r CountSizePair) {
	r.Count.Set(csp.Count.Value())
	r.Size.Set(csp.Size.Value())
	return
}

func (csp *CountSizePair) Set(new CountSizePair) {
	csp.Count.Set(new.Count.Value())
	csp.Size.Set(new.Size.Value())
}
