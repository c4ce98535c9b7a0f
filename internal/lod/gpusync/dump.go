package gpusync

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"voxelstream.ai/internal/lod/nodestore"
)

var dumpMagic = [4]byte{'L', 'O', 'D', 'N'}

type dumpHeader struct {
	Magic      [4]byte
	RecordSize uint32
	Nodes      uint32
	Generation uint64
}

// Dump is a decoded buffer dump.
type Dump struct {
	Generation uint64
	Records    []nodestore.Record
}

// WriteDump writes a zstd-compressed copy of the committed buffer to w.
func WriteDump(w io.Writer, b *HostBuffer) error {
	data, gen := b.Snapshot()
	return writeDump(w, data, gen)
}

func writeDump(w io.Writer, data []byte, gen uint64) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	hdr := dumpHeader{Magic: dumpMagic, RecordSize: nodestore.RecordSize, Nodes: uint32(len(data) / nodestore.RecordSize), Generation: gen}
	if err := binary.Write(enc, binary.LittleEndian, hdr); err != nil {
		_ = enc.Close()
		return err
	}
	if _, err := enc.Write(data); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// DumpBuffer writes the buffer to dir/nodes-<generation>.bin.zst and returns the path. The name and
// the header carry the generation of the same snapshot.
func DumpBuffer(dir string, b *HostBuffer) (path string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, gen := b.Snapshot()
	path = filepath.Join(dir, fmt.Sprintf("nodes-%08d.bin.zst", gen))
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()
	bw := bufio.NewWriterSize(f, 256*1024)
	if err := writeDump(bw, data, gen); err != nil {
		return "", err
	}
	if err := bw.Flush(); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}

// ReadDump decodes a dump written by WriteDump. Sentinel (free) records are kept.
func ReadDump(r io.Reader) (Dump, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return Dump{}, err
	}
	defer dec.Close()
	var hdr dumpHeader
	if err := binary.Read(dec, binary.LittleEndian, &hdr); err != nil {
		return Dump{}, errors.Wrap(err, "read dump header")
	}
	if hdr.Magic != dumpMagic || hdr.RecordSize != nodestore.RecordSize {
		return Dump{}, errors.Errorf("not a node buffer dump (magic %q, record size %d)", hdr.Magic[:], hdr.RecordSize)
	}
	out := Dump{Generation: hdr.Generation, Records: make([]nodestore.Record, 0, hdr.Nodes)}
	rec := make([]byte, nodestore.RecordSize)
	for i := uint32(0); i < hdr.Nodes; i++ {
		if _, err := io.ReadFull(dec, rec); err != nil {
			return Dump{}, errors.Wrapf(err, "read record %d", i)
		}
		out.Records = append(out.Records, nodestore.DecodeRecord(rec))
	}
	return out, nil
}
