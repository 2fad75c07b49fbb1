// Package proto defines messages exchanged between the farm, its workers
// and its clients.
package proto

import (
	"fmt"

	"github.com/imagvfx/grade"
	"github.com/imagvfx/grade/store"
)

// Kind is kind of a Message. It tells which payload of the message is set.
type Kind string

const (
	KindHello      = Kind("hello")
	KindWelcome    = Kind("welcome")
	KindEvaluate   = Kind("evaluate")
	KindAskFile    = Kind("ask_file")
	KindFileChunk  = Kind("file_chunk")
	KindWork       = Kind("work")
	KindKill       = Kind("kill")
	KindWorkDone   = Kind("work_done")
	KindGetWork    = Kind("get_work")
	KindEvent      = Kind("event")
	KindStatus     = Kind("status")
	KindPoolStatus = Kind("pool_status")
	KindCancel     = Kind("cancel")
	KindError      = Kind("error")
	KindExit       = Kind("exit")
)

// Role is what a peer connecting to the farm is.
type Role string

const (
	RoleClient = Role("client")
	RoleWorker = Role("worker")
)

// Hello is the first message of a connection.
type Hello struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Welcome accepts a peer and tells the id the farm gave it.
type Welcome struct {
	ID string `json:"id"`
}

// Evaluate submits a DAG.
type Evaluate struct {
	DAG *grade.DAG `json:"dag"`
}

// AskFile asks the other side to send a blob, starting at Offset.
type AskFile struct {
	Key    store.Key `json:"key"`
	Offset int64     `json:"offset"`
}

// FileChunk is a part of a blob. Chunks of a blob are sent in order.
// Missing is set, without data, when the sender doesn't have the blob.
type FileChunk struct {
	Key     store.Key `json:"key"`
	Offset  int64     `json:"offset"`
	Data    []byte    `json:"data,omitempty"`
	Last    bool      `json:"last,omitempty"`
	Missing bool      `json:"missing,omitempty"`
}

// Work hands a job to a worker.
type Work struct {
	Job *grade.Job `json:"job"`
}

// Kill asks a worker to abandon an execution.
type Kill struct {
	Execution grade.ExecutionID `json:"execution"`
}

// WorkDone reports the result of a job. Outputs are keys of the emitted
// files; the farm asks for the ones it doesn't have.
type WorkDone struct {
	Execution grade.ExecutionID          `json:"execution"`
	Result    grade.ExecutionResult      `json:"result"`
	Outputs   map[grade.FileID]store.Key `json:"outputs,omitempty"`
}

// Cancel stops evaluation of a DAG.
type Cancel struct {
	DAG grade.DAGID `json:"dag"`
}

// Error tells the other side something went wrong.
// DAG is set when the error is about an evaluation request.
type Error struct {
	DAG     grade.DAGID `json:"dag,omitempty"`
	Message string      `json:"message"`
}

// Message is what travels on a connection.
type Message struct {
	Kind Kind `json:"kind"`

	Hello      *Hello            `json:"hello,omitempty"`
	Welcome    *Welcome          `json:"welcome,omitempty"`
	Evaluate   *Evaluate         `json:"evaluate,omitempty"`
	AskFile    *AskFile          `json:"ask_file,omitempty"`
	FileChunk  *FileChunk        `json:"file_chunk,omitempty"`
	Work       *Work             `json:"work,omitempty"`
	Kill       *Kill             `json:"kill,omitempty"`
	WorkDone   *WorkDone         `json:"work_done,omitempty"`
	Event      *grade.Event      `json:"event,omitempty"`
	PoolStatus *grade.PoolStatus `json:"pool_status,omitempty"`
	Cancel     *Cancel           `json:"cancel,omitempty"`
	Error      *Error            `json:"error,omitempty"`
}

// Check verifies the payload of the message's kind is set.
func (m *Message) Check() error {
	var ok bool
	switch m.Kind {
	case KindHello:
		ok = m.Hello != nil
	case KindWelcome:
		ok = m.Welcome != nil
	case KindEvaluate:
		ok = m.Evaluate != nil && m.Evaluate.DAG != nil
	case KindAskFile:
		ok = m.AskFile != nil
	case KindFileChunk:
		ok = m.FileChunk != nil
	case KindWork:
		ok = m.Work != nil && m.Work.Job != nil && m.Work.Job.Execution != nil
	case KindKill:
		ok = m.Kill != nil
	case KindWorkDone:
		ok = m.WorkDone != nil
	case KindEvent:
		ok = m.Event != nil
	case KindPoolStatus:
		ok = m.PoolStatus != nil
	case KindCancel:
		ok = m.Cancel != nil
	case KindError:
		ok = m.Error != nil
	case KindGetWork, KindStatus, KindExit:
		ok = true
	default:
		return fmt.Errorf("unknown message kind: %q", m.Kind)
	}
	if !ok {
		return fmt.Errorf("%v message without payload", m.Kind)
	}
	return nil
}

func NewHello(name string, role Role) *Message {
	return &Message{Kind: KindHello, Hello: &Hello{Name: name, Role: role}}
}

func NewWelcome(id string) *Message {
	return &Message{Kind: KindWelcome, Welcome: &Welcome{ID: id}}
}

func NewEvaluate(dag *grade.DAG) *Message {
	return &Message{Kind: KindEvaluate, Evaluate: &Evaluate{DAG: dag}}
}

func NewAskFile(key store.Key, offset int64) *Message {
	return &Message{Kind: KindAskFile, AskFile: &AskFile{Key: key, Offset: offset}}
}

func NewFileChunk(c *FileChunk) *Message {
	return &Message{Kind: KindFileChunk, FileChunk: c}
}

func NewWork(job *grade.Job) *Message {
	return &Message{Kind: KindWork, Work: &Work{Job: job}}
}

func NewKill(exec grade.ExecutionID) *Message {
	return &Message{Kind: KindKill, Kill: &Kill{Execution: exec}}
}

func NewWorkDone(d *WorkDone) *Message {
	return &Message{Kind: KindWorkDone, WorkDone: d}
}

func NewGetWork() *Message {
	return &Message{Kind: KindGetWork}
}

func NewEvent(ev grade.Event) *Message {
	return &Message{Kind: KindEvent, Event: &ev}
}

func NewStatus() *Message {
	return &Message{Kind: KindStatus}
}

func NewPoolStatus(s grade.PoolStatus) *Message {
	return &Message{Kind: KindPoolStatus, PoolStatus: &s}
}

func NewCancel(dag grade.DAGID) *Message {
	return &Message{Kind: KindCancel, Cancel: &Cancel{DAG: dag}}
}

func NewError(dag grade.DAGID, format string, args ...any) *Message {
	return &Message{Kind: KindError, Error: &Error{DAG: dag, Message: fmt.Sprintf(format, args...)}}
}

func NewExit() *Message {
	return &Message{Kind: KindExit}
}
