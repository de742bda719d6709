// Package printer 实现标签打印机的文本协议客户端和打印工作者。
//
// 请求以 CRLF 结尾，应答以 NUL 结尾：ACK、ERR 或 STS|总体状态|错误状态|当前任务|批次计数|总计数。
package printer

import (
	"fmt"
	"strconv"
	"strings"
)

// Command 是协议命令字
type Command string

const (
	CmdStatus      Command = "GST" // 查询状态
	CmdSetState    Command = "SST" // 设置总体状态
	CmdSelectLine  Command = "LSL" // 选择打印行
	CmdClearLine   Command = "CLN" // 清除行
	CmdAssignJob   Command = "LAS" // 为行分配任务及字段
	CmdClearFaults Command = "CAF" // 清除所有故障
	CmdClearQueue  Command = "CQI" // 清空打印队列，队列为空时返回 ERR
)

// State 是打印机总体状态
type State int

const (
	StateShutdown     State = 0
	StateStartingUp   State = 1
	StateShuttingDown State = 2
	StateRunning      State = 3
	StateOffline      State = 4
)

func (s State) String() string {
	switch s {
	case StateShutdown:
		return "shutdown"
	case StateStartingUp:
		return "starting-up"
	case StateShuttingDown:
		return "shutting-down"
	case StateRunning:
		return "running"
	case StateOffline:
		return "offline"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// ErrorState 是打印机错误状态
type ErrorState int

const (
	ErrorNone     ErrorState = 0
	ErrorWarnings ErrorState = 1
	ErrorFaults   ErrorState = 2
)

// Field 是任务字段赋值 key=value
type Field struct {
	Key   string
	Value string
}

// Request 是一条协议请求
type Request struct {
	Cmd  Command
	Args []string
}

// Encode 编码为线路格式：带参数时为 CMD|a|b|\r\n
func (r Request) Encode() []byte {
	var b strings.Builder
	b.WriteString(string(r.Cmd))
	if len(r.Args) > 0 {
		b.WriteByte('|')
		for _, a := range r.Args {
			b.WriteString(a)
			b.WriteByte('|')
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func (r Request) String() string {
	return strings.TrimRight(string(r.Encode()), "\r\n")
}

func Status() Request             { return Request{Cmd: CmdStatus} }
func SetState(s State) Request    { return Request{Cmd: CmdSetState, Args: []string{strconv.Itoa(int(s))}} }
func SelectLine(line int) Request { return Request{Cmd: CmdSelectLine, Args: []string{strconv.Itoa(line)}} }
func ClearLine(line int) Request  { return Request{Cmd: CmdClearLine, Args: []string{strconv.Itoa(line)}} }
func ClearFaults() Request        { return Request{Cmd: CmdClearFaults} }
func ClearQueue() Request         { return Request{Cmd: CmdClearQueue} }

// AssignJob 为行分配任务，字段按顺序编码
func AssignJob(job string, line int, fields ...Field) Request {
	args := []string{job, strconv.Itoa(line)}
	for _, f := range fields {
		args = append(args, f.Key+"="+f.Value)
	}
	return Request{Cmd: CmdAssignJob, Args: args}
}

// ParseRequest 解析线路格式的请求，模拟器使用
func ParseRequest(raw string) (Request, error) {
	raw = strings.TrimRight(raw, "\r\n")
	if raw == "" {
		return Request{}, fmt.Errorf("empty request")
	}
	parts := strings.Split(raw, "|")
	req := Request{Cmd: Command(parts[0])}
	for _, p := range parts[1:] {
		if p != "" {
			req.Args = append(req.Args, p)
		}
	}
	return req, nil
}

// ReplyKind 是应答类型
type ReplyKind int

const (
	ReplyAck ReplyKind = iota
	ReplyErr
	ReplyStatus
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyAck:
		return "ACK"
	case ReplyErr:
		return "ERR"
	case ReplyStatus:
		return "STS"
	default:
		return "UNKNOWN"
	}
}

// StatusReply 是 STS 应答的内容
type StatusReply struct {
	Overall    State
	Error      ErrorState
	CurrentJob string
	Batch      int64
	Total      int64
}

// Reply 是一条类型化应答
type Reply struct {
	Kind   ReplyKind
	Status StatusReply
}

// ParseReply 解析一条应答（可以带或不带结尾 NUL）
func ParseReply(raw string) (Reply, error) {
	raw = strings.TrimRight(raw, "\x00\r\n")
	switch {
	case raw == "ACK":
		return Reply{Kind: ReplyAck}, nil
	case raw == "ERR":
		return Reply{Kind: ReplyErr}, nil
	case strings.HasPrefix(raw, "STS|"):
		parts := strings.Split(raw, "|")
		if len(parts) < 6 {
			return Reply{}, fmt.Errorf("short status reply %q", raw)
		}
		overall, err := strconv.Atoi(parts[1])
		if err != nil {
			return Reply{}, fmt.Errorf("status overall state %q: %w", parts[1], err)
		}
		errState, err := strconv.Atoi(parts[2])
		if err != nil {
			return Reply{}, fmt.Errorf("status error state %q: %w", parts[2], err)
		}
		batch, err := strconv.ParseInt(parts[4], 10, 64)
		if err != nil {
			return Reply{}, fmt.Errorf("status batch count %q: %w", parts[4], err)
		}
		total, err := strconv.ParseInt(parts[5], 10, 64)
		if err != nil {
			return Reply{}, fmt.Errorf("status total count %q: %w", parts[5], err)
		}
		return Reply{Kind: ReplyStatus, Status: StatusReply{
			Overall:    State(overall),
			Error:      ErrorState(errState),
			CurrentJob: parts[3],
			Batch:      batch,
			Total:      total,
		}}, nil
	default:
		return Reply{}, fmt.Errorf("unknown reply %q", raw)
	}
}

// Encode 编码为线路格式（以 NUL 结尾）
func (r Reply) Encode() []byte {
	switch r.Kind {
	case ReplyAck:
		return []byte("ACK\x00")
	case ReplyErr:
		return []byte("ERR\x00")
	default:
		s := r.Status
		return []byte(fmt.Sprintf("STS|%d|%d|%s|%d|%d|\x00", s.Overall, s.Error, s.CurrentJob, s.Batch, s.Total))
	}
}

// JobFormat 决定通过任务字段下发的外部 ID 前缀格式
type JobFormat string

const (
	FormatBarcode JobFormat = "BARCODE"
	FormatSGTIN   JobFormat = "SGTIN"
)

// JobFields 返回 Pass 任务的字段：卷号（及 SGTIN）和起始编号
func JobFields(format JobFormat, prefix string, startCounter int64) ([]Field, error) {
	var fields []Field
	switch format {
	case FormatBarcode:
		fields = append(fields, Field{Key: "reel_num", Value: prefix + "T"})
	case FormatSGTIN:
		if len(prefix) < 26 {
			return nil, fmt.Errorf("sgtin prefix too short: %q", prefix)
		}
		fields = append(fields,
			Field{Key: "sgtin", Value: prefix[:18]},
			Field{Key: "reel_num", Value: prefix[18:26] + "T"},
		)
	default:
		return nil, fmt.Errorf("unsupported job format %q", format)
	}
	fields = append(fields, Field{Key: "tag_number", Value: strconv.FormatInt(startCounter, 10)})
	return fields, nil
}
