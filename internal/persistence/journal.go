package persistence

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"r2r-test-station/internal/types"
)

// EntryType 定义日志记录类型
type EntryType string

const (
	EntryRunStarted EntryType = "RUN_STARTED" // 运行开始，记录起始编号和卷带位置
	EntryUnit       EntryType = "UNIT"        // 单元测试结果
	EntryFault      EntryType = "FAULT"       // 故障
	EntrySummary    EntryType = "SUMMARY"     // 最终汇总
)

// Entry 代表日志文件中的一条记录（JSON 行）
type Entry struct {
	Type         EntryType          `json:"type"`
	RunID        string             `json:"run_id"`
	Unit         *types.Unit        `json:"unit,omitempty"`
	Fault        *types.FaultRecord `json:"fault,omitempty"`
	Summary      *types.RunSummary  `json:"summary,omitempty"`
	StartCounter int64              `json:"start_counter,omitempty"`
	ReelLocation int64              `json:"reel_location,omitempty"`
	At           time.Time          `json:"at"`
}

// ResumePoint 是下一次运行的起点
type ResumePoint struct {
	Found               bool   `json:"found"`
	RunID               string `json:"run_id,omitempty"`
	Complete            bool   `json:"complete"` // 上次运行是否写入了最终汇总
	NextExternalCounter int64  `json:"next_external_counter"`
	ReelLocation        int64  `json:"reel_location"`
}

// Journal 实现了只追加的运行日志，每条记录写入后立即 fsync
type Journal struct {
	file *os.File   // 日志文件句柄
	mu   sync.Mutex // 互斥锁，保证文件写入的原子性
}

// OpenJournal 创建或打开一个日志文件
func OpenJournal(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{file: file}, nil
}

func (j *Journal) write(entry Entry) error {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	// 确保数据被刷新到磁盘，防止断电丢失编号
	return j.file.Sync()
}

// RunStarted 记录一次运行的起点
func (j *Journal) RunStarted(runID string, startCounter, reelLocation int64) error {
	return j.write(Entry{Type: EntryRunStarted, RunID: runID, StartCounter: startCounter, ReelLocation: reelLocation})
}

// AppendUnit 记录一个单元
func (j *Journal) AppendUnit(runID string, u types.Unit) error {
	return j.write(Entry{Type: EntryUnit, RunID: runID, Unit: &u, At: u.TestedAt})
}

// AppendFault 记录一个故障
func (j *Journal) AppendFault(runID string, f types.FaultRecord) error {
	return j.write(Entry{Type: EntryFault, RunID: runID, Fault: &f, At: f.At})
}

// AppendSummary 记录最终汇总
func (j *Journal) AppendSummary(s types.RunSummary) error {
	return j.write(Entry{Type: EntrySummary, RunID: s.RunID, Summary: &s, At: s.FinishedAt})
}

// ResumePoint 从日志中恢复下一次运行的起点
func (j *Journal) ResumePoint() (ResumePoint, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	// 将文件指针移动到开头以进行读取
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return ResumePoint{}, err
	}
	rp, err := scanResumePoint(j.file)
	if err != nil {
		return ResumePoint{}, err
	}
	// 恢复文件指针到末尾，以便后续追加写入
	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return ResumePoint{}, err
	}
	return rp, nil
}

// ReadResumePoint 只读打开日志并计算起点，文件不存在时返回 Found=false
func ReadResumePoint(path string) (ResumePoint, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return ResumePoint{}, nil
	}
	if err != nil {
		return ResumePoint{}, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	return scanResumePoint(f)
}

// scanResumePoint 以最后一次运行为准：有汇总时直接取汇总，
// 否则（上次异常退出）从起点加上已记录的单元推算
func scanResumePoint(r io.Reader) (ResumePoint, error) {
	var rp ResumePoint

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 忽略损坏的行（例如断电时写了一半）
			continue
		}

		switch entry.Type {
		case EntryRunStarted:
			rp = ResumePoint{
				Found:               true,
				RunID:               entry.RunID,
				NextExternalCounter: entry.StartCounter,
				ReelLocation:        entry.ReelLocation,
			}
		case EntryUnit:
			if entry.RunID != rp.RunID || rp.Complete || entry.Unit == nil {
				continue
			}
			rp.ReelLocation++
			if entry.Unit.ExternalID != "" {
				rp.NextExternalCounter++
			}
		case EntrySummary:
			if entry.Summary == nil {
				continue
			}
			rp.Found = true
			rp.RunID = entry.RunID
			rp.Complete = true
			rp.NextExternalCounter = entry.Summary.NextExternalCounter
			rp.ReelLocation = entry.Summary.ReelLocation
		}
	}
	if err := scanner.Err(); err != nil {
		return ResumePoint{}, fmt.Errorf("scan journal: %w", err)
	}
	return rp, nil
}

// Close 关闭日志文件
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
