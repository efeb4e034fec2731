package chesstournament

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/jsm.go"
	"github.com/nats-io/nats.go"
)

var (
	ErrSnapshotNotFound = errors.New("snapshot: not found")
)

// SnapshotBackend is the durable-storage collaborator. Save failures are
// swallowed by the engine (best-effort durability); Load failures surface.
type SnapshotBackend interface {
	SaveSnapshot(t *Tournament) error
	LoadSnapshot(tournamentID string) (*Tournament, error)
}

type NativeSnapshotBackend struct {
	dir string
}

// NewNativeSnapshotBackend keeps one JSON file per tournament under dir.
func NewNativeSnapshotBackend(dir string) *NativeSnapshotBackend {
	return &NativeSnapshotBackend{dir: dir}
}

func (nsb *NativeSnapshotBackend) snapshotPath(tournamentID string) string {
	return filepath.Join(nsb.dir, fmt.Sprintf("%s.json", tournamentID))
}

func (nsb *NativeSnapshotBackend) SaveSnapshot(t *Tournament) error {
	encoded, err := json.Marshal(t)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(nsb.dir, 0755); err != nil {
		return err
	}

	// write-then-rename keeps a crashed save from corrupting the last snapshot
	tmp := nsb.snapshotPath(t.ID) + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, nsb.snapshotPath(t.ID))
}

func (nsb *NativeSnapshotBackend) LoadSnapshot(tournamentID string) (*Tournament, error) {
	encoded, err := os.ReadFile(nsb.snapshotPath(tournamentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}

	var tournament Tournament
	if err := json.Unmarshal(encoded, &tournament); err != nil {
		return nil, err
	}
	return &tournament, nil
}

const snapshotBucket = "chesstournament_snapshots"

type NatsSnapshotBackend struct {
	nc    *nats.Conn
	jsctx nats.JetStreamContext
	jsmm  *jsm.Manager
	kv    nats.KeyValue
}

// NewNatsSnapshotBackend keeps snapshots in a JetStream KV bucket so a
// restarted process on another host can restore them.
func NewNatsSnapshotBackend() *NatsSnapshotBackend {

	nsb := &NatsSnapshotBackend{}

	return nsb
}

func (nsb *NatsSnapshotBackend) Connect(url string) error {

	var nc *nats.Conn

	nc, err := nats.Connect(
		url,
		nats.Name("CP_LIB_CHESSTOURNAMENT"),
		nats.PingInterval((5 * time.Second)),
		nats.MaxPingsOutstanding(3),
		nats.MaxReconnects(-1), // means will reconnect forever
	)
	if err != nil {
		return err
	}

	jsctx, err := nc.JetStream()
	if err != nil {
		return err
	}

	jsmm, err := jsm.New(nc, jsm.WithTimeout(10*time.Second))
	if err != nil {
		return err
	}

	kv, err := jsctx.KeyValue(snapshotBucket)
	if err != nil {
		kv, err = jsctx.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  snapshotBucket,
			History: 1,
		})
		if err != nil {
			return err
		}
	}

	nsb.nc = nc
	nsb.jsctx = jsctx
	nsb.jsmm = jsmm
	nsb.kv = kv

	return nil
}

func (nsb *NatsSnapshotBackend) Close() error {

	nsb.nc.Close()

	return nil
}

func (nsb *NatsSnapshotBackend) Conn() *nats.Conn {
	return nsb.nc
}

func (nsb *NatsSnapshotBackend) SaveSnapshot(t *Tournament) error {
	encoded, err := json.Marshal(t)
	if err != nil {
		return err
	}

	_, err = nsb.kv.Put(t.ID, encoded)
	return err
}

func (nsb *NatsSnapshotBackend) LoadSnapshot(tournamentID string) (*Tournament, error) {
	entry, err := nsb.kv.Get(tournamentID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}

	var tournament Tournament
	if err := json.Unmarshal(entry.Value(), &tournament); err != nil {
		return nil, err
	}
	return &tournament, nil
}
