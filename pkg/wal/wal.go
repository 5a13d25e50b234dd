package wal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/vzdtic/bifrost/pkg/raft"
)

const (
	walFileName      = "raft.wal"
	snapshotFileName = "snapshot.dat"
	recordHeaderSize = 8 // 4 bytes CRC + 4 bytes length
)

// WAL persists the raft log and snapshots under a directory. Records are
// gob-encoded and CRC-framed. On recovery a header cut short reads as an
// empty WAL; a body cut short or failing its checksum makes New fail.
type WAL struct {
	mu    sync.Mutex
	dir   string
	file  *os.File
	state *raft.PersistentState
}

// New opens (or creates) a WAL in dir.
func New(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	walPath := filepath.Join(dir, walFileName)
	file, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		dir:  dir,
		file: file,
	}

	if err := w.readState(); err != nil && err != io.EOF {
		file.Close()
		return nil, fmt.Errorf("failed to recover WAL: %w", err)
	}

	return w, nil
}

// Save persists the full state. The file is rewritten whole; the state is
// small because the log is compacted by snapshots.
func (w *WAL) Save(state *raft.PersistentState) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = state

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(state); err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	return writeFramed(w.file, buf.Bytes())
}

// Load returns the last persisted state, or nil if the WAL is empty.
func (w *WAL) Load() (*raft.PersistentState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, nil
}

// SaveSnapshot writes the snapshot to its own file.
func (w *WAL) SaveSnapshot(snap *raft.Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	snapshotPath := filepath.Join(w.dir, snapshotFileName)
	file, err := os.Create(snapshotPath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer file.Close()

	if err := writeFramed(file, buf.Bytes()); err != nil {
		return err
	}
	return nil
}

// LoadSnapshot reads the snapshot file, returning nil if none exists.
func (w *WAL) LoadSnapshot() (*raft.Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	snapshotPath := filepath.Join(w.dir, snapshotFileName)
	file, err := os.Open(snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	data, err := readFramed(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap raft.Snapshot
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	return &snap, nil
}

// Close closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

// readState loads the persisted state from the WAL file, if any.
func (w *WAL) readState() error {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	data, err := readFramed(w.file)
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return err
	}

	var state raft.PersistentState
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&state); err != nil {
		return fmt.Errorf("failed to decode WAL record: %w", err)
	}

	w.state = &state
	return nil
}

// writeFramed rewrites the file with a single CRC-framed record and syncs.
func writeFramed(file *os.File, data []byte) error {
	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate: %w", err)
	}
	if _, err := file.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return file.Sync()
}

// readFramed reads a single CRC-framed record.
func readFramed(r io.Reader) ([]byte, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	crc := binary.LittleEndian.Uint32(header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	if crc32.ChecksumIEEE(data) != crc {
		return nil, fmt.Errorf("CRC mismatch")
	}

	return data, nil
}
