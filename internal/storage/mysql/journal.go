package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brech1/eigentrust-protocol/internal/anchor"
	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/storage"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

const (
	insertSubmissionSQL = `INSERT INTO submissions
    (id, kind, round_id, peer, commitment, payload, anchored, tx_hash, received_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	setAnchoredSQL  = `UPDATE submissions SET anchored = ?, tx_hash = ? WHERE commitment = ?`
	pendingSQL      = `SELECT id, kind, round_id, peer, commitment, payload, anchored, tx_hash, received_at
    FROM submissions WHERE anchored = 0 ORDER BY seq`
	knownPeersSQL = `SELECT DISTINCT peer FROM submissions WHERE kind = ?`
	upsertAnchorSQL = `INSERT INTO anchors
    (id, round_id, peer, commitment, tx_hash, status, attempts, record, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE tx_hash = VALUES(tx_hash), status = VALUES(status), attempts = VALUES(attempts),
    record = VALUES(record), updated_at = VALUES(updated_at)`
	upsertRoundSQL = `INSERT INTO rounds
    (round_id, closed_at, iterations, residual, converged, accepted, rejected, scores)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE closed_at = VALUES(closed_at), iterations = VALUES(iterations), residual = VALUES(residual),
    converged = VALUES(converged), accepted = VALUES(accepted), rejected = VALUES(rejected), scores = VALUES(scores)`
	lastRoundSQL = `SELECT round_id, closed_at, iterations, residual, converged, accepted, rejected, scores
    FROM rounds ORDER BY round_id DESC LIMIT 1`
)

// Journal 使用 MySQL 持久化提交日志。
type Journal struct {
	db *sql.DB
}

var _ storage.Journal = (*Journal)(nil)

// New 建立连接池并执行迁移。
func New(ctx context.Context, cfg Config) (*Journal, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	j := &Journal{db: db}
	if err := j.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// SaveSubmission 写入一条提交记录，重复 ID 返回 CONFLICT。
func (j *Journal) SaveSubmission(ctx context.Context, entry storage.Entry) error {
	if _, err := j.db.ExecContext(ctx, insertSubmissionSQL,
		entry.ID,
		string(entry.Kind),
		entry.Round,
		peerKey(entry.Peer),
		entry.Commitment.Hex(),
		[]byte(entry.Payload),
		entry.Anchored,
		txKey(entry.TxHash),
		entry.ReceivedAt.UnixMilli(),
	); err != nil {
		if isDuplicate(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, "提交已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入提交记录失败")
	}
	return nil
}

// Pending 按写入顺序返回尚未上链的提交。
func (j *Journal) Pending(ctx context.Context) ([]storage.Entry, error) {
	rows, err := j.db.QueryContext(ctx, pendingSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待上链提交失败")
	}
	defer rows.Close()

	var entries []storage.Entry
	for rows.Next() {
		var (
			entry      storage.Entry
			kind       string
			peer       string
			commitment string
			payload    []byte
			txHash     string
			receivedAt int64
		)
		if err := rows.Scan(&entry.ID, &kind, &entry.Round, &peer, &commitment, &payload, &entry.Anchored, &txHash, &receivedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析提交记录失败")
		}
		entry.Kind = storage.Kind(kind)
		entry.Peer = common.HexToAddress(peer)
		if err := entry.Commitment.UnmarshalText([]byte(commitment)); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析承诺失败")
		}
		entry.Payload = payload
		if txHash != "" {
			entry.TxHash = common.HexToHash(txHash)
		}
		entry.ReceivedAt = time.UnixMilli(receivedAt).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历提交记录失败")
	}
	return entries, nil
}

// KnownPeers 返回提交过证明的节点。
func (j *Journal) KnownPeers(ctx context.Context) ([]trust.Peer, error) {
	rows, err := j.db.QueryContext(ctx, knownPeersSQL, string(storage.KindAttestation))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询已知节点失败")
	}
	defer rows.Close()

	var peers []trust.Peer
	for rows.Next() {
		var peer string
		if err := rows.Scan(&peer); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析节点失败")
		}
		peers = append(peers, common.HexToAddress(peer))
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历节点失败")
	}
	trust.SortPeers(peers)
	return peers, nil
}

// SaveAnchor 在同一事务中写入锚定记录并同步提交的上链标记，
// 只有 Confirmed 记录会把提交移出 Pending。
func (j *Journal) SaveAnchor(ctx context.Context, record anchor.Record) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化锚定记录失败")
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启锚定事务失败")
	}
	if _, err := tx.ExecContext(ctx, upsertAnchorSQL,
		record.ID,
		record.Round,
		peerKey(record.Peer),
		record.Commitment.Hex(),
		txKey(record.TxHash),
		string(record.Status),
		record.Attempts,
		string(encoded),
		record.UpdatedAt.UnixMilli(),
	); err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入锚定记录失败")
	}
	if !record.Commitment.IsZero() {
		confirmed := record.Status == anchor.StatusConfirmed
		txHash := ""
		if confirmed {
			txHash = txKey(record.TxHash)
		}
		if _, err := tx.ExecContext(ctx, setAnchoredSQL, confirmed, txHash, record.Commitment.Hex()); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新上链状态失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交锚定事务失败")
	}
	return nil
}

// SaveRound 写入或更新轮次摘要。
func (j *Journal) SaveRound(ctx context.Context, record storage.RoundRecord) error {
	scores, err := json.Marshal(record.Scores)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化信任向量失败")
	}
	if _, err := j.db.ExecContext(ctx, upsertRoundSQL,
		record.Round,
		record.ClosedAt.UnixMilli(),
		record.Iterations,
		record.Residual,
		record.Converged,
		record.Accepted,
		record.Rejected,
		string(scores),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入轮次记录失败")
	}
	return nil
}

// LastRound 返回最近关闭的轮次。
func (j *Journal) LastRound(ctx context.Context) (storage.RoundRecord, bool, error) {
	var (
		record   storage.RoundRecord
		closedAt int64
		scores   string
	)
	err := j.db.QueryRowContext(ctx, lastRoundSQL).Scan(
		&record.Round, &closedAt, &record.Iterations, &record.Residual,
		&record.Converged, &record.Accepted, &record.Rejected, &scores)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return storage.RoundRecord{}, false, nil
	}
	if err != nil {
		return storage.RoundRecord{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询轮次记录失败")
	}
	record.ClosedAt = time.UnixMilli(closedAt).UTC()
	if err := json.Unmarshal([]byte(scores), &record.Scores); err != nil {
		return storage.RoundRecord{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析信任向量失败")
	}
	return record, true, nil
}

// Close 关闭底层数据库连接。
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func peerKey(p trust.Peer) string { return strings.ToLower(p.Hex()) }

func txKey(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
