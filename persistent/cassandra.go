package persistent

import (
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/marshal"
	"go.uber.org/zap"
)

const (
	createLogTable = `CREATE TABLE IF NOT EXISTS raft_log (
    member_id uuid,
    log_index bigint,
    term bigint,
    content blob,
    PRIMARY KEY (member_id, log_index)
) WITH CLUSTERING ORDER BY (log_index ASC)`
	createLogMetaTable = `CREATE TABLE IF NOT EXISTS raft_log_meta (
    member_id uuid PRIMARY KEY,
    prev_index bigint,
    prev_term bigint
)`
)

// CassandraConfig selects the Cassandra cluster a CassandraLog lives in.
type CassandraConfig struct {
	Hosts    []string
	Keyspace string
	Timeout  time.Duration
}

// NewCassandraSession opens a session tuned for a single writer per partition.
func NewCassandraSession(cfg CassandraConfig) (*gocql.Session, error) {
	clusterConfig := gocql.NewCluster(cfg.Hosts...)
	clusterConfig.Keyspace = cfg.Keyspace
	clusterConfig.Consistency = gocql.Quorum
	clusterConfig.NumConns = 1
	clusterConfig.Timeout = cfg.Timeout
	if clusterConfig.Timeout == 0 {
		clusterConfig.Timeout = 2 * time.Second
	}
	clusterConfig.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 2}
	clusterConfig.PoolConfig.HostSelectionPolicy =
		gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())
	return clusterConfig.CreateSession()
}

// EnsureCassandraSchema creates the tables used by CassandraLog.
func EnsureCassandraSchema(session *gocql.Session) error {
	for _, stmt := range []string{createLogTable, createLogMetaTable} {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// CassandraLog is a RaftLog stored in one Cassandra partition per member.
// The first and last indexes are cached so that the hot path never asks
// Cassandra for them.
type CassandraLog struct {
	sync.RWMutex

	logger   *zap.Logger
	session  *gocql.Session
	member   gocql.UUID
	registry *marshal.Registry

	appendIndex int64
	prevIndex   int64
	prevTerm    int64
}

var _ common.RaftLog = (*CassandraLog)(nil)

// NewCassandraLog takes ownership of session; Close closes it.
func NewCassandraLog(logger *zap.Logger, session *gocql.Session, member uuid.UUID, registry *marshal.Registry) (*CassandraLog, error) {
	l := &CassandraLog{
		logger:      logger.With(zap.Stringer("member", member)),
		session:     session,
		member:      gocql.UUID(member),
		registry:    registry,
		appendIndex: -1,
		prevIndex:   -1,
		prevTerm:    -1,
	}
	if err := l.initIndices(); err != nil {
		return nil, fmt.Errorf("init indices: %w", err)
	}
	return l, nil
}

func (l *CassandraLog) initIndices() error {
	err := l.session.Query(`SELECT prev_index, prev_term FROM raft_log_meta WHERE member_id = ?`,
		l.member,
	).Scan(&l.prevIndex, &l.prevTerm)
	if err != nil && err != gocql.ErrNotFound {
		return fmt.Errorf("get log meta: %w", err)
	}

	l.appendIndex = l.prevIndex
	var last int64
	err = l.session.Query(`SELECT log_index FROM raft_log WHERE member_id = ? ORDER BY log_index DESC LIMIT 1`,
		l.member,
	).Scan(&last)
	switch {
	case err == nil:
		l.appendIndex = last
	case err != gocql.ErrNotFound:
		return fmt.Errorf("get last index: %w", err)
	}
	l.logger.Info("cassandra log opened", zap.Int64("prevIndex", l.prevIndex), zap.Int64("appendIndex", l.appendIndex))
	return nil
}

func (l *CassandraLog) Append(entries ...common.LogEntry) (int64, error) {
	l.Lock()
	defer l.Unlock()
	if len(entries) == 0 {
		return l.appendIndex, nil
	}

	batch := l.session.NewBatch(gocql.LoggedBatch)
	next := l.appendIndex + 1
	for i, entry := range entries {
		frame, err := l.registry.Marshal(entry.Content)
		if err != nil {
			return l.appendIndex, fmt.Errorf("marshal entry %d: %w", next+int64(i), err)
		}
		batch.Query(`INSERT INTO raft_log (member_id, log_index, term, content) VALUES (?, ?, ?, ?)`,
			l.member, next+int64(i), entry.Term, frame)
	}
	if err := l.session.ExecuteBatch(batch); err != nil {
		return l.appendIndex, fmt.Errorf("append entries: %w", err)
	}
	l.appendIndex = next + int64(len(entries)) - 1
	return l.appendIndex, nil
}

func (l *CassandraLog) Truncate(fromIndex int64) error {
	l.Lock()
	defer l.Unlock()
	if fromIndex < 0 || fromIndex > l.appendIndex+1 {
		return fmt.Errorf("cannot truncate at %d, append index is %d", fromIndex, l.appendIndex)
	}
	if fromIndex <= l.prevIndex {
		panic(fmt.Sprintf("fatal: truncation at %d is before the pruned prefix ending at %d", fromIndex, l.prevIndex))
	}
	err := l.session.Query(`DELETE FROM raft_log WHERE member_id = ? AND log_index >= ?`,
		l.member, fromIndex,
	).Exec()
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	l.appendIndex = fromIndex - 1
	return nil
}

func (l *CassandraLog) Prune(safeIndex int64) (int64, error) {
	l.Lock()
	defer l.Unlock()
	if safeIndex > l.appendIndex {
		safeIndex = l.appendIndex
	}
	if safeIndex <= l.prevIndex {
		return l.prevIndex, nil
	}
	term, err := l.readTerm(safeIndex)
	if err != nil {
		return l.prevIndex, err
	}
	if err := l.putMeta(safeIndex, term); err != nil {
		return l.prevIndex, err
	}
	err = l.session.Query(`DELETE FROM raft_log WHERE member_id = ? AND log_index <= ?`,
		l.member, safeIndex,
	).Exec()
	if err != nil {
		return l.prevIndex, fmt.Errorf("prune: %w", err)
	}
	l.prevIndex, l.prevTerm = safeIndex, term
	return l.prevIndex, nil
}

func (l *CassandraLog) Skip(index, term int64) error {
	l.Lock()
	defer l.Unlock()
	if index <= l.appendIndex {
		return nil
	}
	if err := l.putMeta(index, term); err != nil {
		return err
	}
	if err := l.session.Query(`DELETE FROM raft_log WHERE member_id = ?`, l.member).Exec(); err != nil {
		return fmt.Errorf("skip: %w", err)
	}
	l.prevIndex, l.prevTerm, l.appendIndex = index, term, index
	return nil
}

func (l *CassandraLog) ReadEntry(index int64) (common.LogEntry, error) {
	l.RLock()
	defer l.RUnlock()
	if index <= l.prevIndex || index > l.appendIndex {
		return common.LogEntry{}, fmt.Errorf("entry %d: %w", index, common.ErrNotFound)
	}
	var term int64
	var frame []byte
	err := l.session.Query(`SELECT term, content FROM raft_log WHERE member_id = ? AND log_index = ?`,
		l.member, index,
	).Scan(&term, &frame)
	if err == gocql.ErrNotFound {
		return common.LogEntry{}, fmt.Errorf("entry %d: %w", index, common.ErrNotFound)
	}
	if err != nil {
		return common.LogEntry{}, fmt.Errorf("read entry %d: %w", index, err)
	}
	c, err := l.registry.Unmarshal(frame)
	if err != nil {
		return common.LogEntry{}, fmt.Errorf("unmarshal entry %d: %w", index, err)
	}
	return common.LogEntry{Term: term, Content: c}, nil
}

func (l *CassandraLog) ReadEntryTerm(index int64) (int64, error) {
	l.RLock()
	defer l.RUnlock()
	if index == l.prevIndex {
		return l.prevTerm, nil
	}
	if index < l.prevIndex || index > l.appendIndex {
		return -1, nil
	}
	return l.readTerm(index)
}

func (l *CassandraLog) AppendIndex() int64 {
	l.RLock()
	defer l.RUnlock()
	return l.appendIndex
}

func (l *CassandraLog) PrevIndex() int64 {
	l.RLock()
	defer l.RUnlock()
	return l.prevIndex
}

func (l *CassandraLog) Close() error {
	l.session.Close()
	return nil
}

func (l *CassandraLog) readTerm(index int64) (int64, error) {
	var term int64
	err := l.session.Query(`SELECT term FROM raft_log WHERE member_id = ? AND log_index = ?`,
		l.member, index,
	).Scan(&term)
	if err == gocql.ErrNotFound {
		return -1, fmt.Errorf("entry %d: %w", index, common.ErrNotFound)
	}
	if err != nil {
		return -1, fmt.Errorf("get term: %w", err)
	}
	return term, nil
}

func (l *CassandraLog) putMeta(prevIndex, prevTerm int64) error {
	err := l.session.Query(`INSERT INTO raft_log_meta (member_id, prev_index, prev_term) VALUES (?, ?, ?)`,
		l.member, prevIndex, prevTerm,
	).Exec()
	if err != nil {
		return fmt.Errorf("update log meta: %w", err)
	}
	return nil
}
