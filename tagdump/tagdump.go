// ════════════════════════════════════════════════════════════════════════════════════════════════
// TAG DUMP - SQLITE SINK MEASUREMENT
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Stream Archival Sink
//
// Description:
//   A measurement that archives the raw tag stream into sqlite. Inserts
//   are batched inside a single transaction and committed every
//   CommitBatchSize records through prepared statements, with the WAL
//   journal keeping readers unblocked during capture.
//
// Session model:
//   Every dump run owns a session row keyed by a fresh UUID. On stop the
//   row is finalized with the record total and a running sha3-256 digest
//   of the archived records, so a capture can be audited after the fact.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package tagdump

import (
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/sha3"

	"tagstream/debug"
	"tagstream/engine"
	"tagstream/tags"
)

// CommitBatchSize is the number of records per transaction commit.
const CommitBatchSize = 50_000

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	records     INTEGER NOT NULL DEFAULT 0,
	digest      TEXT
);
CREATE TABLE IF NOT EXISTS records (
	session_id TEXT    NOT NULL,
	kind       INTEGER NOT NULL,
	channel    INTEGER NOT NULL,
	time_ps    INTEGER NOT NULL,
	missed     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS records_session_time ON records (session_id, time_ps);
`

// Dump archives tags on the configured channels. Markers (overflow,
// error) are always archived.
type Dump struct {
	*engine.Base

	filter map[tags.ChannelID]bool // nil archives every channel

	db     *sql.DB
	tx     *sql.Tx
	insert *sql.Stmt
	txIns  *sql.Stmt

	session string
	digest  hash.Hash
	records uint64
	batched int
}

// New opens (or creates) the database at path and starts archiving the
// given channels; an empty channel list archives the full stream.
func New(t engine.TaggerBase, path string, channels []tags.ChannelID) (*Dump, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if err := configureDatabase(db); err != nil {
		db.Close()
		return nil, err
	}

	d := &Dump{
		db:      db,
		session: uuid.NewString(),
		digest:  sha3.New256(),
	}
	if len(channels) > 0 {
		d.filter = make(map[tags.ChannelID]bool, len(channels))
		for _, ch := range channels {
			d.filter[ch] = true
		}
	}

	if _, err := db.Exec(`INSERT INTO sessions (id, started_at) VALUES (?, ?)`,
		d.session, time.Now().UnixNano()); err != nil {
		db.Close()
		return nil, err
	}
	d.insert, err = db.Prepare(
		`INSERT INTO records (session_id, kind, channel, time_ps, missed) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	d.Base = engine.NewBase(t, d)
	for _, ch := range channels {
		if err := d.RegisterChannel(ch); err != nil {
			d.db.Close()
			return nil, err
		}
	}
	d.FinishInitialization()
	debug.DropMessage("DUMP", "session "+d.session+" -> "+path)
	return d, nil
}

// configureDatabase applies the capture-friendly pragmas.
func configureDatabase(db *sql.DB) error {
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA temp_store=MEMORY`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			return err
		}
	}
	_, err := db.Exec(schema)
	return err
}

// SessionID returns this capture's session identifier.
func (d *Dump) SessionID() string { return d.session }

// Records returns the archived record count.
func (d *Dump) Records() uint64 {
	d.Lock()
	defer d.Unlock()
	return d.records
}

// OnBlock archives the block's records inside the running transaction.
func (d *Dump) OnBlock(incoming *[]tags.Tag, begin, end tags.Timestamp) bool {
	tt := *incoming
	for i := range tt {
		tg := &tt[i]
		if tg.Kind == tags.TimeTag && d.filter != nil && !d.filter[tg.Channel] {
			continue
		}
		if err := d.archive(tg); err != nil {
			// A dead database is fatal for this sink, not the stream.
			panic(err)
		}
	}
	return false
}

func (d *Dump) archive(tg *tags.Tag) error {
	if d.tx == nil {
		tx, err := d.db.Begin()
		if err != nil {
			return err
		}
		d.tx = tx
		d.txIns = tx.Stmt(d.insert)
	}
	if _, err := d.txIns.Exec(d.session, int64(tg.Kind), int64(tg.Channel), tg.Time, int64(tg.Missed)); err != nil {
		return err
	}

	var rec [16]byte
	binary.LittleEndian.PutUint64(rec[0:], uint64(tg.Time))
	binary.LittleEndian.PutUint32(rec[8:], uint32(tg.Channel))
	binary.LittleEndian.PutUint16(rec[12:], tg.Missed)
	rec[14] = byte(tg.Kind)
	d.digest.Write(rec[:16])

	d.records++
	d.batched++
	if d.batched >= CommitBatchSize {
		return d.flushLocked()
	}
	return nil
}

// flushLocked commits the running transaction. Caller holds the
// measurement mutex.
func (d *Dump) flushLocked() error {
	if d.tx == nil {
		return nil
	}
	err := d.tx.Commit()
	d.tx = nil
	d.txIns = nil
	d.batched = 0
	return err
}

// ClearImpl starts a fresh session: archived rows stay, but totals and
// the digest restart.
func (d *Dump) ClearImpl() {
	if err := d.flushLocked(); err != nil {
		debug.DropError("DUMP", err)
	}
	d.records = 0
	d.digest = sha3.New256()
	d.session = uuid.NewString()
	if _, err := d.db.Exec(`INSERT INTO sessions (id, started_at) VALUES (?, ?)`,
		d.session, time.Now().UnixNano()); err != nil {
		debug.DropError("DUMP", err)
	}
}

// OnStart is a no-op.
func (d *Dump) OnStart() {}

// OnStop flushes the batch and finalizes the session row.
func (d *Dump) OnStop() {
	if err := d.flushLocked(); err != nil {
		debug.DropError("DUMP", err)
	}
	sum := hex.EncodeToString(d.digest.Sum(nil))
	if _, err := d.db.Exec(
		`UPDATE sessions SET finished_at = ?, records = ?, digest = ? WHERE id = ?`,
		time.Now().UnixNano(), d.records, sum, d.session); err != nil {
		debug.DropError("DUMP", err)
	}
}

// Shutdown stops the dump and closes the database.
func (d *Dump) Shutdown() {
	d.Base.Close()
	d.Lock()
	if err := d.flushLocked(); err != nil {
		debug.DropError("DUMP", err)
	}
	d.Unlock()
	if err := d.db.Close(); err != nil {
		debug.DropError("DUMP", err)
	}
}
