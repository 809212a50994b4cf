package wal

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// formatMarker is written as the first byte of every WAL file this
// package creates, distinguishing it from a legacy (pre-MVCC) WAL
// whose frames omit the trailing snapshot_ts/commit_ts pair. A legacy
// file has no marker byte at all — its first bytes are directly a
// page id, which is vanishingly unlikely to collide with this marker
// given page ids are allocated from 1. Opening a file that doesn't
// start with the marker falls back to legacy framing.
const formatMarker = 0xA1

// Config holds the group-commit tuning knobs from spec section 6.
type Config struct {
	PageSize           int
	ShortTimeoutMicros int
	LongTimeoutMicros  int
	MaxWriters         int
}

// WAL is the append-only frame log plus its group-commit batcher.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	pageSize int
	nextSeq  uint32
	legacy   bool

	committer *groupCommitter
	logger    *zap.Logger
}

// Open opens or creates the WAL file at path.
func Open(path string, cfg Config, logger *zap.Logger) (*WAL, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	w := &WAL{
		file:     f,
		path:     path,
		pageSize: cfg.PageSize,
		nextSeq:  1,
		logger:   logger,
	}
	w.committer = newGroupCommitter(cfg, f.Sync)

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat %s: %w", path, err)
	}
	if fi.Size() == 0 {
		if _, err := f.Write([]byte{formatMarker}); err != nil {
			f.Close()
			return nil, fmt.Errorf("wal: writing format marker: %w", err)
		}
	} else {
		var marker [1]byte
		if _, err := f.ReadAt(marker[:], 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("wal: reading format marker: %w", err)
		}
		w.legacy = marker[0] != formatMarker
	}

	return w, nil
}

func (w *WAL) frameHeaderSize() int {
	if w.legacy {
		return legacyFrameHeaderSize
	}
	return FrameHeaderSize
}

func (w *WAL) frameSize() int {
	return w.frameHeaderSize() + w.pageSize
}

// appendFrame writes one frame to the end of the file without
// fsyncing. Callers hold w.mu.
func (w *WAL) appendFrame(f *Frame) error {
	headerSize := w.frameHeaderSize()
	buf := make([]byte, headerSize+len(f.Body))
	if headerSize == FrameHeaderSize {
		f.encode(buf)
	} else {
		// Never write legacy frames ourselves; legacy is a read-only
		// compatibility mode for files produced by older Sombra
		// versions.
		return fmt.Errorf("wal: refusing to append to a legacy-format WAL")
	}
	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("wal: append frame: %w", err)
	}
	return nil
}

// CommitTransaction appends all of a transaction's frames (the last of
// which must carry FlagCommit) and blocks until they are durable via
// the adaptive group-commit batcher.
func (w *WAL) CommitTransaction(frames []*Frame) error {
	w.mu.Lock()
	for _, f := range frames {
		f.FrameSeq = w.nextSeq
		w.nextSeq++
		if err := w.appendFrame(f); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	w.mu.Unlock()

	return w.committer.commit()
}

// AppendUncommitted writes frames as given (no commit marker is added)
// without waiting on group commit. Nothing in this module calls it;
// internal/gc does not write to the WAL.
func (w *WAL) AppendUncommitted(frames []*Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range frames {
		f.FrameSeq = w.nextSeq
		w.nextSeq++
		if err := w.appendFrame(f); err != nil {
			return err
		}
	}
	return nil
}

// Sync performs a single fsync of the WAL file, outside of the normal
// per-transaction group-commit path, e.g. after frames written with
// AppendUncommitted. Nothing in this module calls it.
func (w *WAL) Sync() error {
	return w.file.Sync()
}

// ApplyFunc is called once per frame, in frame-seq order, for every
// frame belonging to a committed transaction during recovery.
type ApplyFunc func(f Frame) error

// Recover scans the WAL from the beginning, groups frames by tx_id,
// and replays only the transactions that have a frame carrying the
// commit marker, in the order those transactions first appear. It
// returns the highest commit_ts observed, so the caller can fast
// forward the timestamp oracle.
func (w *WAL) Recover(apply ApplyFunc) (maxCommitTS uint64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// A legacy file has no marker byte, so its first frame starts at 0.
	headerStart := int64(1)
	if w.legacy {
		headerStart = 0
	}
	frameSize := int64(w.frameSize())

	type txGroup struct {
		frames    []Frame
		committed bool
		firstSeen int
	}
	groups := make(map[uint64]*txGroup)
	order := make([]uint64, 0)

	buf := make([]byte, frameSize)
	off := headerStart
	seen := 0
	for {
		n, rerr := w.file.ReadAt(buf, off)
		if rerr == io.EOF && n == 0 {
			break
		}
		if rerr != nil && rerr != io.EOF {
			return 0, fmt.Errorf("wal: recover: read at %d: %w", off, rerr)
		}
		if int64(n) < frameSize {
			// Trailing partial frame: a crash mid-append. Discard it
			// (it cannot have been fsynced as part of a complete
			// commit batch) and stop scanning.
			break
		}

		f, derr := decodeFrame(buf, w.frameHeaderSize(), w.pageSize)
		if derr != nil {
			// A corrupt trailing frame is also treated as a torn
			// write and discarded rather than failing the whole
			// open, since fsync only guarantees frames before the
			// last complete group-commit batch.
			w.logger.Warn("wal: discarding undecodable trailing frame", zap.Error(derr))
			break
		}

		g, ok := groups[f.TxID]
		if !ok {
			g = &txGroup{firstSeen: seen}
			groups[f.TxID] = g
			order = append(order, f.TxID)
		}
		g.frames = append(g.frames, f)
		if f.IsCommit() {
			g.committed = true
		}

		off += frameSize
		seen++
	}

	for _, txID := range order {
		g := groups[txID]
		if !g.committed {
			continue
		}
		for _, f := range g.frames {
			if err := apply(f); err != nil {
				return maxCommitTS, fmt.Errorf("wal: recover: applying tx %d page %d: %w", txID, f.PageID, err)
			}
			if f.CommitTS > maxCommitTS {
				maxCommitTS = f.CommitTS
			}
		}
	}

	w.nextSeq = uint32(seen) + 1
	return maxCommitTS, nil
}

// Checkpoint truncates the WAL back to just the format marker. Callers
// must have already flushed all dirty pages to the data file and
// fsynced it before calling Checkpoint, so the frames being discarded
// are no longer needed for recovery.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(1); err != nil {
		return fmt.Errorf("wal: checkpoint truncate: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: checkpoint seek: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: checkpoint sync: %w", err)
	}
	w.nextSeq = 1
	w.logger.Info("wal checkpoint complete")
	return nil
}

func (w *WAL) Close() error {
	return w.file.Close()
}
