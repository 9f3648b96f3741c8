// Package persist binds in-memory state to crash safe file storage.
package persist

import (
	"encoding"
	"encoding/binary"
	"hash/crc64"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/temoto/imulink/log2"
)

type Stater interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Record on disk is 4 byte little endian payload length, payload, zero padding.
// extremofile rewrites files in place without truncation, so a record
// is never shorter than one already on disk.
const (
	recordHeader = 4
	recordAlign  = 64
)

// Binds Stater{Load,Store} to persistent storage under <root>/<tag>.
type Persist struct {
	sync.Mutex
	log     *log2.Log
	tag     string
	target  Stater
	storage storage
	dir     string
}

func (p *Persist) Init(tag string, target Stater, root string, enabled bool, log *log2.Log) error {
	p.tag = tag
	p.log = log
	if !enabled {
		p.log.Debugf("persist %s disabled", p.tag)
		return nil
	}
	if root == "" {
		return errors.NotValidf("persist %s enabled but root=empty", p.tag)
	}
	if target == nil {
		panic("code error persist target nil")
	}
	p.target = target
	p.dir = filepath.Join(root, tag)
	p.storage = extremofile.New(extremofile.Config{
		Dir:      p.dir,
		DirPerm:  0700,
		FilePerm: 0600, // holds network secret
	})
	return nil
}

func (p *Persist) Enabled() bool { return p.storage != nil }

// Load keeps target unchanged when nothing was stored yet.
func (p *Persist) Load() error {
	if p.tag == "" {
		panic("code error persist must call .Init() first")
	}
	if p.storage == nil {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	tbegin := time.Now()
	b, err := p.storage.Read()
	p.log.Debugf("persist %s storage.read duration=%v len=%d", p.tag, time.Since(tbegin), len(b))
	if b != nil {
		if err != nil {
			p.log.Errorf("persist %s ignore non-critical storage err=%v", p.tag, err)
		}
		var payload []byte
		if payload, err = unframe(b); err == nil {
			err = p.target.UnmarshalBinary(payload)
		}
	}
	return errors.Annotatef(err, "persist %s Load", p.tag)
}

func (p *Persist) Store() error {
	if p.tag == "" {
		panic("code error persist must call .Init() first")
	}
	if p.storage == nil {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	b, err := p.target.MarshalBinary()
	if err == nil {
		err = p.write(b)
	}
	return errors.Annotatef(err, "persist %s Store", p.tag)
}

// Clear overwrites storage with empty payload, Load after Clear passes empty
// slice to target.UnmarshalBinary.
func (p *Persist) Clear() error {
	if p.storage == nil {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	return errors.Annotatef(p.write([]byte{}), "persist %s Clear", p.tag)
}

func (p *Persist) write(payload []byte) error {
	b := frame(payload, p.diskSize())
	tbegin := time.Now()
	_, err := p.storage.Write(b)
	p.log.Debugf("persist %s storage.write duration=%v len=%d", p.tag, time.Since(tbegin), len(payload))
	return err
}

// diskSize is the largest record currently in storage files, corrupt ones included.
func (p *Persist) diskSize() int {
	size := 0
	for _, name := range []string{"v1.main", "v1.backup"} {
		fi, err := os.Stat(filepath.Join(p.dir, extremofile.DefaultFilePrefix+name))
		if err == nil && int(fi.Size())-crc64.Size > size {
			size = int(fi.Size()) - crc64.Size
		}
	}
	return size
}

func frame(payload []byte, atLeast int) []byte {
	n := recordHeader + len(payload)
	n += (recordAlign - n%recordAlign) % recordAlign
	if n < atLeast {
		n = atLeast
	}
	b := make([]byte, n)
	binary.LittleEndian.PutUint32(b, uint32(len(payload)))
	copy(b[recordHeader:], payload)
	return b
}

func unframe(b []byte) ([]byte, error) {
	if len(b) < recordHeader {
		return nil, errors.NotValidf("record len=%d", len(b))
	}
	n := binary.LittleEndian.Uint32(b)
	if uint64(n) > uint64(len(b)-recordHeader) {
		return nil, errors.NotValidf("record payload len=%d exceeds record len=%d", n, len(b))
	}
	return b[recordHeader : recordHeader+int(n)], nil
}
