package results

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

const (
	filePrefix      = "speedtest_results_"
	timestampLayout = "2006-01-02_15-04-05"
)

// Record is one run as handed to persistence and export.
type Record struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Protocols []target.Protocol `json:"protocols"`
	// selected server per "{role}_{protocol}"
	Servers map[string]string `json:"servers,omitempty"`
	Results Set               `json:"results"`
	Valid   bool              `json:"valid"`
}

// Filename returns the file name a record is saved under. The run ID
// prefix keeps runs started within the same second apart.
func Filename(r Record, compress bool) string {
	name := filePrefix + r.Timestamp.Local().Format(timestampLayout)
	if id := idPrefix(r.ID); id != "" {
		name += "_" + id
	}
	name += ".json"
	if compress {
		name += ".gz"
	}
	return name
}

func idPrefix(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// Save writes a record as indented JSON into dir, gzip compressed when
// asked, and returns the file path. Records that failed validation are
// refused, as is a path that already exists.
func Save(dir string, r Record, compress bool) (string, error) {
	if !r.Valid {
		return "", errors.Wrap(ErrIncompleteResultSet, "refusing to save")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create results directory %s", dir)
	}

	path := filepath.Join(dir, Filename(r, compress))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(f)
		w = gz
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	if err := enc.Encode(r); err != nil {
		return "", errors.Wrapf(err, "encode %s", path)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return "", errors.Wrapf(err, "compress %s", path)
		}
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrapf(err, "close %s", path)
	}
	return path, nil
}

// Load reads a record written by Save; ".gz" files are decompressed.
func Load(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return Record{}, errors.Wrapf(err, "decompress %s", path)
		}
		defer gz.Close()
		r = gz
	}

	var rec Record
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return Record{}, errors.Wrapf(err, "decode %s", path)
	}
	return rec, nil
}
