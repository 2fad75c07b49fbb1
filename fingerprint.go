package grade

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strconv"

	"golang.org/x/crypto/blake2b"

	"github.com/imagvfx/grade/store"
)

// Fingerprint identifies what an execution computes.
//
// Base covers everything the command can observe: the command, arguments,
// environment, and the content and placement of every input, and which
// outputs are collected. File ids and descriptions are not part of it, so
// equal executions of different DAGs share a fingerprint. Limits are kept
// apart from Base for the cache to tell which results still hold under
// other limits.
type Fingerprint struct {
	Base   string `json:"base"`
	Limits Limits `json:"limits"`
}

// String returns the full fingerprint, limits included.
func (fp Fingerprint) String() string {
	h, _ := blake2b.New256(nil)
	writeField(h, fp.Base)
	l := fp.Limits
	for _, v := range []float64{l.CPUTime, l.SysTime, l.WallTime} {
		writeField(h, strconv.FormatFloat(v, 'g', -1, 64))
	}
	for _, v := range []uint64{l.Memory, l.NProc, l.NoFile, l.FSize, l.Stack} {
		writeField(h, strconv.FormatUint(v, 10))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField writes a length prefixed field, so field boundaries can't shift.
func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// ComputeFingerprint computes the fingerprint of e.
// keys should have the content key of every dependency of e.
func ComputeFingerprint(e *Execution, keys map[FileID]store.Key) (Fingerprint, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return Fingerprint{}, err
	}
	writeField(h, string(e.Command.Kind))
	writeField(h, e.Command.Path)

	writeField(h, strconv.Itoa(len(e.Args)))
	for _, a := range e.Args {
		writeField(h, a)
	}

	writeField(h, strconv.Itoa(len(e.Env)))
	for _, k := range sortedKeys(e.Env) {
		writeField(h, k)
		writeField(h, e.Env[k])
	}

	stdin := ""
	if e.Stdin != "" {
		k, ok := keys[e.Stdin]
		if !ok {
			return Fingerprint{}, fmt.Errorf("no key for stdin %v", e.Stdin)
		}
		stdin = string(k)
	}
	writeField(h, stdin)

	writeField(h, strconv.Itoa(len(e.Inputs)))
	for _, p := range sortedKeys(e.Inputs) {
		in := e.Inputs[p]
		k, ok := keys[in.File]
		if !ok {
			return Fingerprint{}, fmt.Errorf("no key for input %v", in.File)
		}
		writeField(h, p)
		writeField(h, string(k))
		writeField(h, strconv.FormatBool(in.Executable))
	}

	slots := make([]string, 0)
	for s := range e.Slots() {
		slots = append(slots, s)
	}
	sort.Strings(slots)
	writeField(h, strconv.Itoa(len(slots)))
	for _, s := range slots {
		writeField(h, s)
	}

	return Fingerprint{
		Base:   hex.EncodeToString(h.Sum(nil)),
		Limits: e.Limits,
	}, nil
}
