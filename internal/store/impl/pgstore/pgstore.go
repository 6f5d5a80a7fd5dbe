package pgstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"nuha.dev/gpsfeed/internal/fix"
)

type StoreConfig struct {
	// Table needs columns: device_id text, latitude/longitude double
	// precision, accuracy real, speed real null, provider text,
	// gps_time/server_time timestamptz.
	Table       string
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{Table: "location_history", BufSize: 64, TickerDur: time.Second, MaxAgeFlush: 5 * time.Second}
}

type buffer struct {
	seq uint64
	t1  time.Time
	buf []fix.ValidatedFix
}

func new_buffer(seq uint64, size int) buffer {
	return buffer{seq: seq, buf: make([]fix.ValidatedFix, 0, size)}
}

// Store persists validated fixes to postgres. Appends land in a write buffer
// that a separate flusher goroutine drains with CopyFrom, so the publish path
// never waits on the database.
type Store struct {
	config StoreConfig
	cond   *sync.Cond
	wlock  *sync.Mutex
	rbuf   buffer
	wbuf   buffer
	dbp    *pgxpool.Pool
	log    log.Logger
}

func NewStore(db *pgxpool.Pool, config StoreConfig) *Store {
	o := &Store{}
	o.config = config
	o.dbp = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	o.wbuf = new_buffer(0, config.BufSize)
	o.wlock = &sync.Mutex{}
	o.cond = sync.NewCond(&sync.Mutex{})
	return o
}

func (st *Store) Run() {
	go st.timer_flusher()
	go st.handle()
}

func (st *Store) timer_flusher() {
	ticker := time.NewTicker(st.config.TickerDur)
	for t := range ticker.C {
		st.wlock.Lock()
		if len(st.wbuf.buf) != 0 && t.Sub(st.wbuf.t1) > st.config.MaxAgeFlush {
			st.flush()
		}
		st.wlock.Unlock()
	}
}

func (st *Store) Append(vf fix.ValidatedFix) {
	st.wlock.Lock()
	if len(st.wbuf.buf) == 0 {
		st.wbuf.t1 = time.Now().UTC()
	}
	st.wbuf.buf = append(st.wbuf.buf, vf)
	if len(st.wbuf.buf) == st.config.BufSize {
		st.flush()
	}
	st.wlock.Unlock()
}

func (st *Store) flush() {
	next := st.wbuf.seq + 1
	st.cond.L.Lock()
	st.rbuf = st.wbuf
	st.cond.L.Unlock()
	st.cond.Signal()
	st.wbuf = new_buffer(next, st.config.BufSize)
}

func (st *Store) handle() {
	st.log.Info().Msg("starting flusher task")
	for {
		st.cond.L.Lock()
		st.cond.Wait()
		buf := st.rbuf
		st.cond.L.Unlock()
		t1 := time.Now()
		_, err := st.dbp.CopyFrom(context.Background(),
			pgx.Identifier{st.config.Table},
			[]string{"device_id", "latitude", "longitude", "accuracy", "speed", "provider", "gps_time", "server_time"},
			pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
				d := buf.buf[i]
				return []interface{}{d.DeviceId, d.Latitude, d.Longitude, d.Accuracy, d.Speed, d.Provider, d.Time(), acceptTime(d)}, nil
			}))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				st.log.Error().Err(err).Str("pg_code", pgErr.Code).Int("length", len(buf.buf)).Msg("flush error")
			} else {
				st.log.Error().Err(err).Int("length", len(buf.buf)).Msg("flush error")
			}
		} else {
			st.log.Debug().Str("action", "flush").Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
		}
	}
}

func acceptTime(d fix.ValidatedFix) time.Time {
	return time.Unix(0, d.AcceptedAt*int64(time.Millisecond)).UTC()
}

func (st *Store) QueryRange(ctx context.Context, deviceId string, from, to time.Time, limit int) ([]fix.ValidatedFix, error) {
	anyDevice := deviceId == ""
	var rows pgx.Rows
	var err error
	if limit == 0 {
		query := `SELECT device_id,latitude,longitude,accuracy,speed,provider,gps_time,server_time FROM ` + st.config.Table +
			` WHERE (device_id = $1 OR $2) AND gps_time BETWEEN $3 AND $4 ORDER BY gps_time ASC`
		rows, err = st.dbp.Query(ctx, query, deviceId, anyDevice, from, to)
	} else {
		query := `SELECT device_id,latitude,longitude,accuracy,speed,provider,gps_time,server_time FROM ` + st.config.Table +
			` WHERE (device_id = $1 OR $2) AND gps_time BETWEEN $3 AND $4 ORDER BY gps_time ASC LIMIT $5`
		rows, err = st.dbp.Query(ctx, query, deviceId, anyDevice, from, to, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fixes := make([]fix.ValidatedFix, 0)
	for rows.Next() {
		vf, err := scanFix(rows)
		if err != nil {
			return nil, err
		}
		fixes = append(fixes, vf)
	}
	return fixes, rows.Err()
}

func (st *Store) LastFix(ctx context.Context, deviceId string) (*fix.ValidatedFix, error) {
	query := `SELECT device_id,latitude,longitude,accuracy,speed,provider,gps_time,server_time FROM ` + st.config.Table +
		` WHERE device_id = $1 ORDER BY gps_time DESC LIMIT 1`
	rows, err := st.dbp.Query(ctx, query, deviceId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	vf, err := scanFix(rows)
	if err != nil {
		return nil, err
	}
	return &vf, nil
}

func scanFix(rows pgx.Rows) (fix.ValidatedFix, error) {
	var vf fix.ValidatedFix
	var gpst, srvt time.Time
	var provider *string
	err := rows.Scan(&vf.DeviceId, &vf.Latitude, &vf.Longitude, &vf.Accuracy, &vf.Speed, &provider, &gpst, &srvt)
	if err != nil {
		return vf, err
	}
	if provider != nil {
		vf.Provider = *provider
	}
	vf.Timestamp = gpst.UnixNano() / int64(time.Millisecond)
	vf.AcceptedAt = srvt.UnixNano() / int64(time.Millisecond)
	return vf, nil
}
