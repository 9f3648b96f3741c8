package device

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/skip2/go-qrcode"
	"github.com/temoto/imulink/log2"
	"github.com/temoto/imulink/tele"
)

const (
	provisionBodyLimit = 4 << 10
	provisionTimeout   = 5 * time.Second
	qrSize             = 256
)

type provisionRequest struct {
	creds Credentials
	reply chan error
}

type provisionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Provisioner is Setup mode HTTP endpoint.
// Handlers talk to control loop only via requests channel and published status.
type Provisioner struct {
	log      *log2.Log
	requests chan provisionRequest // control loop must reply exactly once
	status   atomic.Value          // tele.Status
	joinText atomic.Value          // string

	server *http.Server
	done   chan struct{}
}

func NewProvisioner(log *log2.Log) *Provisioner {
	p := &Provisioner{
		log:      log,
		requests: make(chan provisionRequest, 1),
	}
	p.status.Store(tele.Status{})
	p.joinText.Store("")
	return p
}

func (p *Provisioner) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/wifi", p.handleWifi)
	mux.HandleFunc("/api/status", p.handleStatus)
	mux.HandleFunc("/setup.png", p.handleQR)
	return mux
}

func (p *Provisioner) PublishStatus(s tele.Status) { p.status.Store(s) }

// SetJoin stores text encoded in setup QR code.
func (p *Provisioner) SetJoin(ssid string, url string) {
	p.joinText.Store(JoinText(ssid, url))
}

// JoinText is standard wifi QR payload, phones offer to join open network.
func JoinText(ssid, url string) string {
	s := fmt.Sprintf("WIFI:T:nopass;S:%s;;", ssid)
	if url != "" {
		s += "\n" + url
	}
	return s
}

func (p *Provisioner) Start(listen string) error {
	if p.server != nil {
		return nil
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Annotatef(err, "provision listen=%s", listen)
	}
	p.server = &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: provisionTimeout,
	}
	p.done = make(chan struct{})
	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.log.Errorf("provision serve err=%v", err)
		}
	}(p.server, p.done)
	p.log.Infof("provision listen=%s", ln.Addr())
	return nil
}

func (p *Provisioner) Running() bool { return p.server != nil }

func (p *Provisioner) Stop() {
	if p.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
	defer cancel()
	if err := p.server.Shutdown(ctx); err != nil {
		p.log.Errorf("provision shutdown err=%v", err)
	}
	<-p.done
	p.server = nil
}

func (p *Provisioner) handleWifi(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		p.reply(w, http.StatusMethodNotAllowed, errors.Errorf("method %s not allowed", r.Method))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, provisionBodyLimit))
	if err != nil {
		p.reply(w, http.StatusBadRequest, errors.Annotate(err, "read body"))
		return
	}
	var c Credentials
	if err = json.Unmarshal(body, &c); err != nil {
		p.reply(w, http.StatusBadRequest, errors.NotValidf("credentials JSON"))
		return
	}
	if err = c.Validate(); err != nil {
		p.reply(w, http.StatusBadRequest, err)
		return
	}

	req := provisionRequest{creds: c, reply: make(chan error, 1)}
	select {
	case p.requests <- req:
	default:
		p.reply(w, http.StatusServiceUnavailable, errors.New("provisioning busy"))
		return
	}
	select {
	case err = <-req.reply:
	case <-time.After(provisionTimeout):
		err = errors.New("provisioning timeout")
	case <-r.Context().Done():
		return
	}
	if err != nil {
		p.reply(w, http.StatusInternalServerError, err)
		return
	}
	p.log.Infof("provision accepted ssid=%s", c.SSID)
	p.reply(w, http.StatusOK, nil)
}

func (p *Provisioner) handleStatus(w http.ResponseWriter, r *http.Request) {
	b, err := tele.EncodeStatus(p.status.Load().(tele.Status))
	if err != nil {
		p.reply(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (p *Provisioner) handleQR(w http.ResponseWriter, r *http.Request) {
	text := p.joinText.Load().(string)
	if text == "" {
		http.NotFound(w, r)
		return
	}
	png, err := qrcode.Encode(text, qrcode.Medium, qrSize)
	if err != nil {
		p.reply(w, http.StatusInternalServerError, errors.Annotate(err, "QR"))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func (p *Provisioner) reply(w http.ResponseWriter, code int, err error) {
	resp := provisionResponse{Success: err == nil}
	if err != nil {
		resp.Error = err.Error()
		p.log.Errorf("provision code=%d err=%v", code, err)
	}
	b, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

// QRText renders setup QR for serial console.
func QRText(text string) (string, error) {
	qr, err := qrcode.New(text, qrcode.Medium)
	if err != nil {
		return "", errors.Annotate(err, "QR")
	}
	return qr.ToString(false), nil
}
