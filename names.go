package filevault

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

const maxNameSuffix = 128

// NameAllocator issues stored filenames. A name is a 12-byte hex id
// followed by a sanitized form of the uploaded filename, e.g.
// "65f1c0a2e3b4c5001a2b3c4d-report.txt".
//
// Id layout, similar to a MongoDB ObjectID:
//
//   - 4 bytes: timestamp (seconds since epoch)
//   - 3 bytes: machine identifier
//   - 2 bytes: process id
//   - 3 bytes: counter, atomically incremented
//
// The counter makes names from one allocator unique without locking; the
// machine and process bytes keep allocators in other processes sharing a
// storage root apart.
type NameAllocator struct {
	machineID [3]byte
	pid       uint16
	counter   atomic.Uint32
}

// NewNameAllocator returns an allocator seeded from the hostname, the
// process id and a random counter start.
func NewNameAllocator() *NameAllocator {
	a := &NameAllocator{
		machineID: readMachineID(),
		pid:       uint16(os.Getpid()),
	}
	a.counter.Store(readRandomUint32())
	return a
}

var defaultAllocator = NewNameAllocator()

// Allocate returns a stored filename for an upload named original. The
// result is a single safe path component.
func (a *NameAllocator) Allocate(original string) string {
	return a.newID() + "-" + sanitizeName(original)
}

func (a *NameAllocator) newID() string {
	var id [12]byte

	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:7], a.machineID[:])
	binary.BigEndian.PutUint16(id[7:9], a.pid)

	c := a.counter.Add(1)
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)

	return hex.EncodeToString(id[:])
}

// newID returns a unique id for temp files.
func newID() string {
	return defaultAllocator.newID()
}

// sanitizeName reduces the base of a client supplied filename to
// characters valid in a blob path.
func sanitizeName(original string) string {
	if i := strings.LastIndexAny(original, `/\`); i >= 0 {
		original = original[i+1:]
	}

	var b strings.Builder
	for _, r := range original {
		if isValidPathChar(r) && r != '/' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}

	name := b.String()
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	name = strings.TrimLeft(name, ".")
	if len(name) > maxNameSuffix {
		name = name[len(name)-maxNameSuffix:]
		name = strings.TrimLeft(name, ".")
	}
	if name == "" || strings.Trim(name, "_") == "" {
		return "blob"
	}

	return name
}

func readMachineID() [3]byte {
	var mid [3]byte
	hostname, err := os.Hostname()
	if err != nil {
		_, _ = io.ReadFull(rand.Reader, mid[:])
		return mid
	}

	hw := make([]byte, 32)
	copy(hw, hostname)
	copy(mid[:], hw[:3])
	return mid
}

func readRandomUint32() uint32 {
	var b [4]byte
	_, _ = io.ReadFull(rand.Reader, b[:])
	return binary.BigEndian.Uint32(b[:])
}
