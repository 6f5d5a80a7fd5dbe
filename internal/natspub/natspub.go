package natspub

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
)

const subjectPrefix = "gpsfeed.loc."

type PublisherConfig struct {
	Url  string
	Name string
}

// Publisher mirrors location update frames onto NATS, one subject per
// device, so other services can tap the live stream without speaking
// the websocket protocol.
type Publisher struct {
	nc  *nats.Conn
	log log.Logger
}

func NewPublisher(config PublisherConfig) (*Publisher, error) {
	p := &Publisher{}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "natspub").Value()
	name := config.Name
	if name == "" {
		name = "gpsfeed"
	}
	nc, err := nats.Connect(config.Url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.log.Warn().Err(err).Str("event", "nats_disconnected").Msg("")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.log.Info().Str("event", "nats_reconnected").Str("url", nc.ConnectedUrl()).Msg("")
		}))
	if err != nil {
		return nil, err
	}
	p.nc = nc
	p.log.Info().Str("url", config.Url).Msg("connected to nats")
	return p, nil
}

// PublishLocation is best effort, publish errors are logged and dropped
// so a broken mirror never stalls the hub.
func (p *Publisher) PublishLocation(deviceId string, frame []byte) {
	err := p.nc.Publish(subjectPrefix+deviceId, frame)
	if err != nil {
		p.log.Error().Err(err).Str("device_id", deviceId).Msg("failed to publish location")
	}
}

func (p *Publisher) Close() {
	p.nc.Drain()
}
