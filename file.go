package grade

import "github.com/rs/xid"

// FileID identifies a File within a DAG.
type FileID string

// File is a handle of a file in a DAG. It is either provided by the client
// or produced by exactly one Execution. The handle says nothing about the
// content; the content is known only once the file has a store key.
type File struct {
	ID          FileID `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// NewFile creates a File with a fresh id.
func NewFile(description string) File {
	return File{
		ID:          FileID(xid.New().String()),
		Description: description,
	}
}
