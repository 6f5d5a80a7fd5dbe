package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"

	"nuha.dev/gpsfeed/internal/fix"
	"nuha.dev/gpsfeed/internal/pipeline"
)

const (
	NEW_CONNECTION      string = "new_connection"
	LOGIN_MESSAGE       string = "login_message"
	LOGIN_MESSAGE_ERROR string = "login_message_error"
)

type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type LoginData struct {
	DeviceId string `json:"device_id"`
	Name     string `json:"name"`
}

type LocationData struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  float32  `json:"accuracy"`
	Speed     *float32 `json:"speed,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Provider  string   `json:"provider,omitempty"`
	Mock      bool     `json:"mock,omitempty"`
}

type ServerConfig struct {
	ListenerAddr string
	LoginTimeout time.Duration
}

// Server accepts long-lived TCP device connections speaking the JSON-lines
// feed protocol: one login frame, then location frames. The listener is
// proxy-protocol aware so the feed can sit behind an L4 balancer.
type Server struct {
	config ServerConfig
	pipe   *pipeline.Pipeline
	log    log.Logger

	cid_counter uint64
}

func NewServer(pipe *pipeline.Pipeline, config ServerConfig) *Server {
	s := &Server{}
	s.config = config
	s.pipe = pipe
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "feed").Value()
	return s
}

func (s *Server) Run() {
	s.log.Info().Msgf("starting device feed on %s", s.config.ListenerAddr)
	ln, err := net.Listen("tcp", s.config.ListenerAddr)
	if err != nil {
		s.log.Error().Err(err).Msg("unable to listen")
		return
	}
	pln := proxyproto.Listener{Listener: ln}
	for {
		_c, err := pln.Accept()
		if err != nil {
			s.log.Error().Err(err).Msg("failed to accept new connection")
			pln.Close()
			return
		}
		s.cid_counter = s.cid_counter + 1
		c := NewConn(_c, s.cid_counter)
		s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")
		d := newDevice(c, s)
		go d.run()
	}
}

var errNotLogin = errors.New("first message not login message")

type device struct {
	c        *Conn
	s        *Server
	deviceId string
	err      error
	log      log.Logger
}

func newDevice(c *Conn, s *Server) *device {
	d := &device{c: c, s: s}
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "feed").Uint64("cid", c.Cid()).Value()
	return d
}

func (d *device) closeErr(err error) {
	d.err = err
	d.c.Close()
}

func (d *device) readParse() (*Message, error) {
	raw, err := d.c.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	m := Message{}
	err = json.Unmarshal(raw, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *device) run() {
	_ = d.c.SetReadDeadline(time.Now().Add(d.s.config.LoginTimeout))
	msg, err := d.readParse()
	if err != nil {
		d.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).Msg("error reading login message")
		d.closeErr(err)
		return
	}
	if msg.Type != "login" {
		d.log.Error().Err(errNotLogin).Str("event", LOGIN_MESSAGE_ERROR).Msg("")
		d.closeErr(errNotLogin)
		return
	}
	login := LoginData{}
	err = json.Unmarshal(msg.Data, &login)
	if err != nil || login.DeviceId == "" {
		if err == nil {
			err = fmt.Errorf("login without device_id")
		}
		d.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).Msg("error parsing login message")
		d.closeErr(err)
		return
	}
	_ = d.c.SetReadDeadline(time.Time{})
	d.deviceId = login.DeviceId
	d.log.Context = log.NewContext(d.log.Context).Str("device_id", d.deviceId).Value()
	d.log.Info().Str("event", LOGIN_MESSAGE).Str("name", login.Name).Msg("")
	_, _ = d.c.Write([]byte(`{"type":"login_ok"}` + "\n"))

	for {
		msg, err := d.readParse()
		if err != nil {
			d.log.Error().Err(err).Msg("error while reading message")
			d.closeErr(err)
			return
		}
		switch msg.Type {
		case "location":
			loc := LocationData{}
			err = json.Unmarshal(msg.Data, &loc)
			if err != nil {
				d.log.Error().Err(err).Msg("error parsing location data")
				d.closeErr(err)
				return
			}
			res := d.s.pipe.ReportFix(fix.RawFix{
				DeviceId:  d.deviceId,
				Latitude:  loc.Latitude,
				Longitude: loc.Longitude,
				Accuracy:  loc.Accuracy,
				Speed:     loc.Speed,
				Timestamp: loc.Timestamp,
				Provider:  loc.Provider,
				Mock:      loc.Mock,
			})
			if !res.Accepted {
				// expected outcome, the device just waits for the next fix
				d.log.Debug().Str("event", "location_rejected").Str("reason", string(res.Reason)).Msg("")
			}
		default:
			d.log.Warn().Str("type", msg.Type).Msg("unknown message type")
		}
	}
}
