package kdn

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"

	gojson "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Snapshot format:
//
//	[magic "KDN1"][codec uint8][compression uint8][payload...]
//
// The payload is the encoded model, compressed as a single stream.
var snapshotMagic = [4]byte{'K', 'D', 'N', '1'}

// Codec selects how a snapshot payload is encoded.
type Codec uint8

const (
	// CodecGob encodes with encoding/gob.
	CodecGob Codec = iota
	// CodecJSON encodes with github.com/goccy/go-json.
	CodecJSON
)

func (c Codec) String() string {
	switch c {
	case CodecGob:
		return "gob"
	case CodecJSON:
		return "json"
	default:
		return fmt.Sprintf("Codec(%d)", uint8(c))
	}
}

// Compression selects how a snapshot payload is compressed.
type Compression uint8

const (
	// CompressionNone stores the payload as is.
	CompressionNone Compression = iota
	// CompressionLZ4 uses LZ4 frames (fast).
	CompressionLZ4
	// CompressionZstd uses Zstandard (better ratio).
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// snapshot is the persisted form of a trained Regressor.
type snapshot struct {
	K           int       `json:"k"`
	Weighted    bool      `json:"weighted"`
	Metric      string    `json:"metric"`
	MaxLeafSize int       `json:"max_leaf_size"`
	Tree        *TreeView `json:"tree"`
}

type snapshotOptions struct {
	codec       Codec
	compression Compression
	metric      DistanceMetric
	workers     int
	logger      *Logger
}

// SnapshotOption configures Save and Load.
type SnapshotOption func(*snapshotOptions)

// WithCodec selects the payload encoding used by Save. Default: CodecGob.
func WithCodec(c Codec) SnapshotOption {
	return func(o *snapshotOptions) { o.codec = c }
}

// WithCompression selects the payload compression used by Save.
// Default: CompressionZstd.
func WithCompression(c Compression) SnapshotOption {
	return func(o *snapshotOptions) { o.compression = c }
}

// WithMetric supplies the distance metric for Load. It is required when the
// model was trained with a custom DistanceFunc, and overrides the stored
// metric otherwise.
func WithMetric(m DistanceMetric) SnapshotOption {
	return func(o *snapshotOptions) { o.metric = m }
}

// WithSnapshotWorkers sets Config.Workers of a loaded regressor.
func WithSnapshotWorkers(n int) SnapshotOption {
	return func(o *snapshotOptions) { o.workers = n }
}

// WithSnapshotLogger sets the logger used for the snapshot operation and,
// for Load, Config.Logger of the loaded regressor.
func WithSnapshotLogger(l *Logger) SnapshotOption {
	return func(o *snapshotOptions) { o.logger = l }
}

func newSnapshotOptions(opts []SnapshotOption) *snapshotOptions {
	o := &snapshotOptions{codec: CodecGob, compression: CompressionZstd}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Save writes a self-describing snapshot of the trained model to w.
// A custom DistanceFunc cannot be serialized; Save records it as "custom"
// and Load then requires the metric again via WithMetric.
func (r *Regressor) Save(w io.Writer, opts ...SnapshotOption) error {
	o := newSnapshotOptions(opts)
	logger := r.cfg.Logger
	if o.logger != nil {
		logger = o.logger
	}
	err := r.save(w, o)
	logger.LogSnapshot("save", o.codec, o.compression, err)
	return err
}

func (r *Regressor) save(w io.Writer, o *snapshotOptions) error {
	if o.codec > CodecJSON {
		return invalidInputf("unknown codec %v", o.codec)
	}
	if o.compression > CompressionZstd {
		return invalidInputf("unknown compression %v", o.compression)
	}
	tree := r.index.Load()
	if tree == nil {
		return ErrNotTrained
	}
	view, err := tree.View()
	if err != nil {
		return err
	}
	name, ok := MetricName(r.cfg.Metric)
	if !ok {
		name = customMetricName
	}
	s := &snapshot{
		K:           r.cfg.K,
		Weighted:    r.cfg.Weighted,
		Metric:      name,
		MaxLeafSize: r.cfg.MaxLeafSize,
		Tree:        view,
	}

	header := append(snapshotMagic[:], byte(o.codec), byte(o.compression))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("kdn: write snapshot header: %w", err)
	}

	cw, err := compressWriter(w, o.compression)
	if err != nil {
		return err
	}
	if err := encodeSnapshot(cw, o.codec, s); err != nil {
		cw.Close()
		return err
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("kdn: flush snapshot: %w", err)
	}
	return nil
}

const customMetricName = "custom"

// Load reads a snapshot written by Save and returns a trained regressor.
// Structural damage is reported as ErrCorruptSnapshot.
func Load(rd io.Reader, opts ...SnapshotOption) (*Regressor, error) {
	o := newSnapshotOptions(opts)
	logger := o.logger
	if logger == nil {
		logger = NoopLogger()
	}

	r, codec, compression, err := load(rd, o)
	logger.LogSnapshot("load", codec, compression, err)
	return r, err
}

func load(rd io.Reader, o *snapshotOptions) (*Regressor, Codec, Compression, error) {
	br := bufio.NewReader(rd)

	var header [6]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: read header: %w", ErrCorruptSnapshot, err)
	}
	if [4]byte(header[:4]) != snapshotMagic {
		return nil, 0, 0, fmt.Errorf("%w: bad magic %q", ErrCorruptSnapshot, header[:4])
	}
	codec, compression := Codec(header[4]), Compression(header[5])

	cr, err := decompressReader(br, compression)
	if err != nil {
		return nil, codec, compression, err
	}
	defer cr.Close()

	var s snapshot
	if err := decodeSnapshot(cr, codec, &s); err != nil {
		return nil, codec, compression, err
	}

	metric := o.metric
	if metric == nil {
		m, ok := metricByName(s.Metric)
		if !ok {
			return nil, codec, compression, invalidInputf("snapshot metric %q is not built in; supply it with WithMetric", s.Metric)
		}
		metric = m
	}

	cfg := Config{
		K:           s.K,
		MaxLeafSize: s.MaxLeafSize,
		Weighted:    s.Weighted,
		Metric:      metric,
		Workers:     o.workers,
		Logger:      o.logger,
	}
	r, err := NewRegressor(cfg)
	if err != nil {
		return nil, codec, compression, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	if s.Tree == nil {
		return nil, codec, compression, fmt.Errorf("%w: snapshot has no tree", ErrCorruptSnapshot)
	}
	if s.Tree.MaxLeafSize != s.MaxLeafSize {
		return nil, codec, compression, fmt.Errorf("%w: tree leaf size %d differs from model leaf size %d",
			ErrCorruptSnapshot, s.Tree.MaxLeafSize, s.MaxLeafSize)
	}

	tree, err := RestoreKDTree(s.Tree, r.cfg.Metric,
		WithWorkers(r.cfg.Workers),
		WithLogger(r.cfg.Logger),
	)
	if err != nil {
		return nil, codec, compression, err
	}
	r.index.Store(tree)
	return r, codec, compression, nil
}

func encodeSnapshot(w io.Writer, c Codec, s *snapshot) error {
	var err error
	switch c {
	case CodecGob:
		err = gob.NewEncoder(w).Encode(s)
	case CodecJSON:
		err = gojson.NewEncoder(w).Encode(s)
	default:
		return invalidInputf("unknown codec %v", c)
	}
	if err != nil {
		return fmt.Errorf("kdn: encode snapshot (%v): %w", c, err)
	}
	return nil
}

func decodeSnapshot(r io.Reader, c Codec, s *snapshot) error {
	var err error
	switch c {
	case CodecGob:
		err = gob.NewDecoder(r).Decode(s)
	case CodecJSON:
		err = gojson.NewDecoder(r).Decode(s)
	default:
		return fmt.Errorf("%w: unknown codec %v", ErrCorruptSnapshot, c)
	}
	if err != nil {
		return fmt.Errorf("%w: decode (%v): %w", ErrCorruptSnapshot, c, err)
	}
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("kdn: zstd writer: %w", err)
		}
		return enc, nil
	default:
		return nil, invalidInputf("unknown compression %v", c)
	}
}

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

func decompressReader(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd reader: %w", ErrCorruptSnapshot, err)
		}
		return zstdReadCloser{dec}, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %v", ErrCorruptSnapshot, c)
	}
}
