package flush

import (
	"io"
	"os"

	"github.com/golang/snappy"
)

// compressSnapshot rewrites path in place as a snappy-framed stream,
// replacing the legacy engine variant's gzip-after-copy step (see
// nds_snapshot_compression) with a pure-Go codec already used elsewhere
// in the dependency graph for payload compression.
func compressSnapshot(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := path + ".snappy"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	w := snappy.NewBufferedWriter(out)
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
