package wal

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yndnr/undocore/internal/infra/fsys"
	"github.com/yndnr/undocore/internal/undo/critical"
	"github.com/yndnr/undocore/pkg/crypto/adaptive"
)

func insertText(w *Writer, data string) LSN {
	sec := critical.Enter()
	defer sec.End()
	ins := w.BeginInsert(sec)
	ins.RegisterBlock(1, 0)
	ins.RegisterData([]byte(data))
	return ins.Finish(RmgrText, 1)
}

func syncConfig(dir string) Config {
	cfg := DefaultConfig(dir)
	cfg.SyncMode = SyncModeSync
	return cfg
}

func mustPanicFatal(t *testing.T, fn func()) *critical.FatalError {
	t.Helper()
	var v any
	func() {
		defer func() { v = recover() }()
		fn()
	}()
	fe, ok := critical.AsFatal(v)
	if !ok {
		t.Fatalf("expected fatal panic, got %v", v)
	}
	return fe
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("x")
	if cfg.Dir != "x" {
		t.Fatalf("Dir = %q, want %q", cfg.Dir, "x")
	}
	if cfg.SyncMode != SyncModeBatch {
		t.Fatalf("SyncMode = %q, want %q", cfg.SyncMode, SyncModeBatch)
	}
	if cfg.BatchCount != DefaultBatchCount || cfg.BatchBytes != DefaultBatchBytes {
		t.Fatalf("batch = %d/%d, want defaults", cfg.BatchCount, cfg.BatchBytes)
	}
	if cfg.MaxFileSize != DefaultMaxFileSize || cfg.MaxEntryCount != DefaultMaxEntryCount {
		t.Fatalf("limits = %d/%d, want defaults", cfg.MaxFileSize, cfg.MaxEntryCount)
	}
}

func TestLSN_StringAndParse(t *testing.T) {
	l := MakeLSN(3, 0x40)
	if l.Segment() != 3 || l.Offset() != 0x40 {
		t.Fatalf("segment/offset = %d/%d", l.Segment(), l.Offset())
	}
	if l.String() != "3/00000040" {
		t.Fatalf("String() = %q", l.String())
	}

	for _, in := range []string{"3/00000040", "3/40", "0000000300000040", " 300000040 "} {
		got, err := ParseLSN(in)
		if err != nil {
			t.Fatalf("ParseLSN(%q): %v", in, err)
		}
		if got != l {
			t.Fatalf("ParseLSN(%q) = %s, want %s", in, got, l)
		}
	}
	if _, err := ParseLSN("zz/1"); err == nil {
		t.Fatal("expected error for bad hex")
	}
}

func TestWriterReader_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(syncConfig(dir))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	start := w.InsertPosition()
	if start != MakeLSN(1, MagicBytesSize) {
		t.Fatalf("initial insert position = %s", start)
	}

	lsn1 := insertText(w, "hello")
	lsn2 := insertText(w, "world")
	if !(start < lsn1 && lsn1 < lsn2) {
		t.Fatalf("LSNs not increasing: %s %s %s", start, lsn1, lsn2)
	}
	if w.InsertPosition() != lsn2 {
		t.Fatalf("InsertPosition = %s, want %s", w.InsertPosition(), lsn2)
	}
	if w.FlushedLSN() != lsn2 {
		t.Fatalf("sync mode FlushedLSN = %s, want %s", w.FlushedLSN(), lsn2)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := VerifyTrailerChecksum(filepath.Join(dir, "wal-00000001.log")); err != nil {
		t.Fatalf("VerifyTrailerChecksum: %v", err)
	}

	r, err := NewReader(dir, nil)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	recs, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].LSN != lsn1 || recs[1].LSN != lsn2 {
		t.Fatalf("reader LSNs %s %s, want %s %s", recs[0].LSN, recs[1].LSN, lsn1, lsn2)
	}
	if recs[0].Start != start || recs[1].Start != lsn1 {
		t.Fatalf("reader starts %s %s", recs[0].Start, recs[1].Start)
	}
	if string(recs[0].Data) != "hello" || recs[0].Rmgr != RmgrText || recs[0].Info != 1 {
		t.Fatalf("record mismatch: %+v", recs[0])
	}
	if len(recs[0].Blocks) != 1 || recs[0].Blocks[0].Log != 1 || recs[0].Blocks[0].Block != 0 {
		t.Fatalf("blocks = %+v", recs[0].Blocks)
	}
}

func TestWriterReader_RoundTripEncrypted(t *testing.T) {
	dir := t.TempDir()
	key := make([]byte, 32)
	c, err := adaptive.New(key)
	if err != nil {
		t.Fatalf("adaptive.New: %v", err)
	}

	cfg := syncConfig(dir)
	cfg.Cipher = c
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	lsn := insertText(w, "secret")
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "wal-00000001.log"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if containsBytes(raw, []byte("secret")) {
		t.Fatal("plaintext found in encrypted segment")
	}

	r, _ := NewReader(dir, c)
	recs, err := r.ReadAll()
	r.Close()
	if err != nil || len(recs) != 1 {
		t.Fatalf("ReadAll = %d records, %v", len(recs), err)
	}
	if string(recs[0].Data) != "secret" || recs[0].LSN != lsn {
		t.Fatalf("record mismatch: %+v", recs[0])
	}

	r2, _ := NewReader(dir, nil)
	defer r2.Close()
	if _, err := r2.Read(); !errors.Is(err, ErrNeedCipher) {
		t.Fatalf("Read without cipher = %v, want ErrNeedCipher", err)
	}
}

func containsBytes(haystack, needle []byte) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return true
		}
	}
	return false
}

func TestWriter_RotationKeepsLSNs(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig(dir)
	cfg.SyncInterval = time.Hour
	cfg.MaxEntryCount = 2
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	var lsns []LSN
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		lsns = append(lsns, insertText(w, s))
	}
	if lsns[0].Segment() != 1 || lsns[2].Segment() != 2 || lsns[4].Segment() != 3 {
		t.Fatalf("segments = %d %d %d", lsns[0].Segment(), lsns[2].Segment(), lsns[4].Segment())
	}
	if w.FlushedLSN() >= lsns[0] {
		t.Fatalf("batch mode flushed too early: %s", w.FlushedLSN())
	}

	if err := w.FlushTo(lsns[4]); err != nil {
		t.Fatalf("FlushTo: %v", err)
	}
	if w.FlushedLSN() != lsns[4] {
		t.Fatalf("FlushedLSN = %s, want %s", w.FlushedLSN(), lsns[4])
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, name := range []string{"wal-00000001.log", "wal-00000002.log", "wal-00000003.log"} {
		if err := VerifyTrailerChecksum(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}

	r, _ := NewReader(dir, nil)
	defer r.Close()
	recs, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != len(lsns) {
		t.Fatalf("got %d records, want %d", len(recs), len(lsns))
	}
	for i, rec := range recs {
		if rec.LSN != lsns[i] {
			t.Fatalf("record %d LSN = %s, want %s", i, rec.LSN, lsns[i])
		}
	}
}

func TestWriter_FlushTo(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.SyncInterval = time.Hour
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	before := w.FlushedLSN()
	if err := w.FlushTo(before); err != nil {
		t.Fatalf("FlushTo(flushed): %v", err)
	}

	lsn := insertText(w, "x")
	if w.FlushedLSN() != before {
		t.Fatalf("record flushed before FlushTo")
	}
	if err := w.FlushTo(lsn + 1); err == nil {
		t.Fatal("FlushTo beyond insert position should fail")
	}
	if err := w.FlushTo(lsn); err != nil {
		t.Fatalf("FlushTo: %v", err)
	}
	if w.FlushedLSN() != lsn {
		t.Fatalf("FlushedLSN = %s, want %s", w.FlushedLSN(), lsn)
	}
	if w.InsertedBytes() == 0 {
		t.Fatal("InsertedBytes should count the record")
	}
}

func TestWriter_BatchModeSyncLoop(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.SyncInterval = 10 * time.Millisecond
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	lsn := insertText(w, "tick")
	deadline := time.Now().Add(2 * time.Second)
	for w.FlushedLSN() < lsn {
		if time.Now().After(deadline) {
			t.Fatal("sync loop did not flush")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInsertion_RequiresLiveSection(t *testing.T) {
	w, err := NewWriter(syncConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	sec := critical.Enter()
	sec.End()
	mustPanicFatal(t, func() { w.BeginInsert(sec) })

	sec = critical.Enter()
	ins := w.BeginInsert(sec)
	ins.RegisterData([]byte("x"))
	ins.Finish(RmgrText, 0)
	mustPanicFatal(t, func() { ins.Finish(RmgrText, 0) })
	sec.End()

	sec = critical.Enter()
	ins = w.BeginInsert(sec)
	sec.End()
	mustPanicFatal(t, func() { ins.Finish(RmgrText, 0) })
}

func TestInsertion_DeduplicatesBlocks(t *testing.T) {
	w, err := NewWriter(syncConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	sec := critical.Enter()
	defer sec.End()
	ins := w.BeginInsert(sec)
	ins.RegisterBlock(1, 2)
	ins.RegisterBlock(1, 2)
	ins.RegisterBlock(1, 3)
	if len(ins.Blocks()) != 2 {
		t.Fatalf("Blocks = %+v", ins.Blocks())
	}
	ins.RegisterBlockData(1, 3, []byte("a"))
	ins.RegisterBlockData(1, 3, []byte("bc"))
	ins.RegisterBlockData(2, 0, []byte("d"))
	blocks := ins.Blocks()
	if len(blocks) != 3 || string(blocks[1].Data) != "bc" || string(blocks[2].Data) != "d" {
		t.Fatalf("Blocks = %+v", blocks)
	}
	ins.Finish(RmgrText, 0)
}

func TestWriter_InvalidRmgrIsFatal(t *testing.T) {
	w, err := NewWriter(syncConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	sec := critical.Enter()
	defer sec.End()
	fe := mustPanicFatal(t, func() { w.BeginInsert(sec).Finish(RmgrInvalid, 0) })
	if !errors.Is(fe, ErrInvalidRmgr) {
		t.Fatalf("fatal = %v, want ErrInvalidRmgr", fe)
	}
}

func TestWriter_SyncFailureIsFatal(t *testing.T) {
	ffs := fsys.NewFaultyFS(nil)
	ffs.AddRule("wal-", fsys.Fault{FailAfterBytes: -1, FailOnSync: true})

	cfg := syncConfig(t.TempDir())
	cfg.FS = ffs
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	fe := mustPanicFatal(t, func() { insertText(w, "lost") })
	if !errors.Is(fe, fsys.ErrInjected) {
		t.Fatalf("fatal = %v, want injected sync error", fe)
	}
}

func TestWriter_InsertAfterCloseIsFatal(t *testing.T) {
	w, err := NewWriter(syncConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	mustPanicFatal(t, func() { insertText(w, "late") })
}

func TestNewWriter_ResumesOpenSegmentAndTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()

	w1, err := NewWriter(syncConfig(dir))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	lsn1 := insertText(w1, "one")
	lsn2 := insertText(w1, "two")
	// Simulate a crash: no Close, then a partial frame at the tail.
	path := filepath.Join(dir, "wal-00000001.log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.Write([]byte{0, 0, 0, 40, 1, 2, 3})
	f.Close()

	w2, err := NewWriter(syncConfig(dir))
	if err != nil {
		t.Fatalf("NewWriter resume: %v", err)
	}
	if w2.InsertPosition() != lsn2 {
		t.Fatalf("resumed insert position = %s, want %s", w2.InsertPosition(), lsn2)
	}
	lsn3 := insertText(w2, "three")
	if err := w2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, _ := NewReader(dir, nil)
	defer r.Close()
	recs, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	want := []LSN{lsn1, lsn2, lsn3}
	for i, rec := range recs {
		if rec.LSN != want[i] {
			t.Fatalf("record %d LSN = %s, want %s", i, rec.LSN, want[i])
		}
	}
}

func TestNewWriter_ReusesHeaderlessSegment(t *testing.T) {
	dir := t.TempDir()

	w1, err := NewWriter(syncConfig(dir))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	insertText(w1, "one")
	if err := w1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "wal-00000002.log"), []byte("UND"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w2, err := NewWriter(syncConfig(dir))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w2.Close()
	if got := w2.InsertPosition(); got != MakeLSN(2, MagicBytesSize) {
		t.Fatalf("insert position = %s, want 2/00000008", got)
	}
}

func TestReader_Seek(t *testing.T) {
	dir := t.TempDir()
	cfg := syncConfig(dir)
	cfg.MaxEntryCount = 2
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	var lsns []LSN
	for _, s := range []string{"a", "b", "c", "d"} {
		lsns = append(lsns, insertText(w, s))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	cases := []struct {
		from LSN
		want []string
	}{
		{InvalidLSN, []string{"a", "b", "c", "d"}},
		{lsns[0], []string{"b", "c", "d"}},
		{lsns[1], []string{"c", "d"}},
		{lsns[3], nil},
	}
	for _, tc := range cases {
		r, _ := NewReader(dir, nil)
		if err := r.Seek(tc.from); err != nil {
			t.Fatalf("Seek: %v", err)
		}
		recs, err := r.ReadAll()
		r.Close()
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		var got []string
		for _, rec := range recs {
			got = append(got, string(rec.Data))
		}
		if len(got) != len(tc.want) {
			t.Fatalf("from %s got %v, want %v", tc.from, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("from %s got %v, want %v", tc.from, got, tc.want)
			}
		}
	}
}

func TestReader_EmptyDir(t *testing.T) {
	r, err := NewReader(filepath.Join(t.TempDir(), "missing"), nil)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, err := r.Read(); !errors.Is(err, io.EOF) {
		t.Fatalf("Read = %v, want EOF", err)
	}
}

func TestCodec_CorruptedFrame(t *testing.T) {
	frame, err := encodeFrame(MakeLSN(1, 8), &Record{Rmgr: RmgrText, Data: []byte("x")}, nil)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	body := frame[4:]
	if _, err := decodeFrame(MakeLSN(1, 8), body, nil); err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}

	body[len(body)-2] ^= 0xFF
	if _, err := decodeFrame(MakeLSN(1, 8), body, nil); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("decodeFrame = %v, want ErrChecksumMismatch", err)
	}
	if _, err := decodeFrame(MakeLSN(1, 8), []byte{1, 2}, nil); !errors.Is(err, ErrCorruptedEntry) {
		t.Fatalf("decodeFrame short = %v, want ErrCorruptedEntry", err)
	}
}

func TestCompactor_Compact(t *testing.T) {
	dir := t.TempDir()
	cfg := syncConfig(dir)
	cfg.MaxEntryCount = 1
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	var last LSN
	for _, s := range []string{"a", "b", "c", "d"} {
		last = insertText(w, s)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c := NewCompactor(dir, WithRetainCount(1))
	if n, _ := c.FileCount(); n != 4 {
		t.Fatalf("FileCount = %d, want 4", n)
	}
	sizeBefore, _ := c.TotalSize()

	removed, err := c.Compact(MakeLSN(last.Segment(), MagicBytesSize))
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(removed) != 3 {
		t.Fatalf("removed %v, want 3 segments", removed)
	}
	if n, _ := c.FileCount(); n != 1 {
		t.Fatalf("FileCount after = %d, want 1", n)
	}
	if sizeAfter, _ := c.TotalSize(); sizeAfter >= sizeBefore {
		t.Fatalf("TotalSize did not shrink: %d -> %d", sizeBefore, sizeAfter)
	}
}

func TestCompactor_RetainCount(t *testing.T) {
	dir := t.TempDir()
	cfg := syncConfig(dir)
	cfg.MaxEntryCount = 1
	w, _ := NewWriter(cfg)
	var last LSN
	for _, s := range []string{"a", "b", "c"} {
		last = insertText(w, s)
	}
	w.Close()

	removed, err := NewCompactor(dir, WithRetainCount(3)).Compact(last)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("removed %v despite retain count", removed)
	}
}

func TestCompactor_NonexistentDir(t *testing.T) {
	c := NewCompactor(filepath.Join(t.TempDir(), "missing"))
	if _, err := c.Compact(MakeLSN(9, 0)); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if n, err := c.FileCount(); err != nil || n != 0 {
		t.Fatalf("FileCount = %d, %v", n, err)
	}
}
