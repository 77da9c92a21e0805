package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brech1/eigentrust-protocol/internal/anchor"
	"github.com/brech1/eigentrust-protocol/internal/attestation"
	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

// JournalFile 是数据目录中日志文件的名称。
const JournalFile = "journal.log"

const (
	lineSubmission = "submission"
	lineAnchor     = "anchor"
	lineRound      = "round"
)

type journalLine struct {
	Type       string         `json:"type"`
	Submission *Entry         `json:"submission,omitempty"`
	Anchor     *anchor.Record `json:"anchor,omitempty"`
	Round      *RoundRecord   `json:"round,omitempty"`
}

// FileJournal 以追加写 JSON 行的方式持久化日志，启动时重放文件恢复状态。
type FileJournal struct {
	mu       sync.RWMutex
	path     string
	file     *os.File
	entries  []Entry
	index    map[attestation.Commitment][]int
	anchors  map[string]anchor.Record
	last     RoundRecord
	hasRound bool
}

// NewFileJournal 打开（必要时创建）数据目录下的日志文件。
func NewFileJournal(dataDir string) (*FileJournal, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	j := &FileJournal{
		path:    filepath.Join(dataDir, JournalFile),
		index:   make(map[attestation.Commitment][]int),
		anchors: make(map[string]anchor.Record),
	}
	if err := j.loadFromDisk(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开日志文件失败")
	}
	j.file = file
	return j, nil
}

// SaveSubmission 追加一条提交记录。
func (j *FileJournal) SaveSubmission(_ context.Context, entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.append(journalLine{Type: lineSubmission, Submission: &entry}); err != nil {
		return err
	}
	j.applySubmission(entry)
	return nil
}

// Pending 返回尚未上链的提交。
func (j *FileJournal) Pending(_ context.Context) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Entry, 0, len(j.entries))
	for _, e := range j.entries {
		if !e.Anchored {
			out = append(out, e)
		}
	}
	return out, nil
}

// KnownPeers 返回提交过证明的节点。
func (j *FileJournal) KnownPeers(_ context.Context) ([]trust.Peer, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	seen := make(map[trust.Peer]struct{})
	var peers []trust.Peer
	for _, e := range j.entries {
		if e.Kind != KindAttestation {
			continue
		}
		if _, ok := seen[e.Peer]; ok {
			continue
		}
		seen[e.Peer] = struct{}{}
		peers = append(peers, e.Peer)
	}
	trust.SortPeers(peers)
	return peers, nil
}

// SaveAnchor 记录锚定状态的最新版本，并同步对应提交的上链标记。
func (j *FileJournal) SaveAnchor(_ context.Context, record anchor.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.append(journalLine{Type: lineAnchor, Anchor: &record}); err != nil {
		return err
	}
	j.applyAnchor(record)
	return nil
}

// Anchors 返回每条锚定记录的最新版本。
func (j *FileJournal) Anchors() []anchor.Record {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]anchor.Record, 0, len(j.anchors))
	for _, r := range j.anchors {
		out = append(out, r)
	}
	return out
}

// SaveRound 记录轮次摘要。
func (j *FileJournal) SaveRound(_ context.Context, record RoundRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.append(journalLine{Type: lineRound, Round: &record}); err != nil {
		return err
	}
	j.applyRound(record)
	return nil
}

// LastRound 返回最近关闭的轮次。
func (j *FileJournal) LastRound(_ context.Context) (RoundRecord, bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.last, j.hasRound, nil
}

// Close 关闭底层文件。
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (j *FileJournal) append(line journalLine) error {
	if j.file == nil {
		return xerrors.New(xerrors.CodeStorageFailure, "日志已关闭")
	}
	encoded, err := json.Marshal(line)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化日志失败")
	}
	if _, err := j.file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入日志失败")
	}
	return nil
}

func (j *FileJournal) applySubmission(entry Entry) {
	j.entries = append(j.entries, entry)
	if !entry.Commitment.IsZero() {
		j.index[entry.Commitment] = append(j.index[entry.Commitment], len(j.entries)-1)
	}
}

// applyAnchor 只有 Confirmed 记录会把条目移出 Pending，重组回退或失败后条目重新待重放。
func (j *FileJournal) applyAnchor(record anchor.Record) {
	j.anchors[record.ID] = record
	confirmed := record.Status == anchor.StatusConfirmed
	for _, idx := range j.index[record.Commitment] {
		j.entries[idx].Anchored = confirmed
		if confirmed {
			j.entries[idx].TxHash = record.TxHash
		} else {
			j.entries[idx].TxHash = common.Hash{}
		}
	}
}

func (j *FileJournal) applyRound(record RoundRecord) {
	if !j.hasRound || record.Round >= j.last.Round {
		j.last = record
		j.hasRound = true
	}
}

func (j *FileJournal) loadFromDisk() error {
	file, err := os.OpenFile(j.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var line journalLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			// 截断的尾行在崩溃后可能出现，跳过即可。
			continue
		}
		switch line.Type {
		case lineSubmission:
			if line.Submission != nil {
				j.applySubmission(*line.Submission)
			}
		case lineAnchor:
			if line.Anchor != nil {
				j.applyAnchor(*line.Anchor)
			}
		case lineRound:
			if line.Round != nil {
				j.applyRound(*line.Round)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析日志 %s 失败", j.path))
	}
	return nil
}
