// Package trace implements the trace codec: encoding a Trace to
// its wire format and decoding it back. The wire format is CBOR — chosen
// over JSON because the kind index and pod lifecycle tables need
// non-string map keys — wrapped in a zstd frame.
package trace

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	clustersimerrors "github.com/kubeadapt/clustersim/internal/errors"
	"github.com/kubeadapt/clustersim/internal/observability"
	"github.com/kubeadapt/clustersim/internal/store"
)

// SupportedVersions lists the schema versions this build can decode.
// A trace stamped with anything else is rejected outright rather than
// guessed at.
var SupportedVersions = map[int]bool{
	store.SchemaVersion: true,
}

// Encode renders a Trace to its wire format: CBOR in declaration order
// (never canonical/sorted mode, so the five top-level fields stay in
// their declared order), zstd-compressed as a single frame.
//
// Traces are built once per export call and held fully in memory already,
// so there's no benefit to a streaming io.Pipe here; a single in-memory
// compress pass is simpler and just as correct.
func Encode(t *store.Trace, metrics *observability.Metrics) ([]byte, error) {
	raw, err := cbor.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("trace: encode cbor: %w", err)
	}

	start := time.Now()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("trace: create zstd encoder: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("trace: zstd write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("trace: zstd close: %w", err)
	}

	if metrics != nil {
		metrics.CompressionDuration.Observe(time.Since(start).Seconds())
		if buf.Len() > 0 {
			metrics.CompressionRatio.Set(float64(buf.Len()) / float64(len(raw)))
		}
	}

	return buf.Bytes(), nil
}

// Decode reverses Encode, rejecting anything that isn't valid zstd+CBOR or
// that carries a schema_version this build doesn't understand.
func Decode(data []byte) (*store.Trace, error) {
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, &clustersimerrors.AgentError{
			Code:      clustersimerrors.ErrTraceCorrupt,
			Message:   fmt.Sprintf("trace: open zstd frame: %v", err),
			Component: "trace",
			Err:       err,
		}
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, &clustersimerrors.AgentError{
			Code:      clustersimerrors.ErrTraceCorrupt,
			Message:   fmt.Sprintf("trace: decompress: %v", err),
			Component: "trace",
			Err:       err,
		}
	}

	// Object content decodes into interface{} values: nested maps must come
	// back string-keyed and integers signed, as unstructured content has them.
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("trace: build cbor decoder: %w", err)
	}

	var t store.Trace
	if err := dm.Unmarshal(raw, &t); err != nil {
		return nil, &clustersimerrors.AgentError{
			Code:      clustersimerrors.ErrTraceCorrupt,
			Message:   fmt.Sprintf("trace: decode cbor: %v", err),
			Component: "trace",
			Err:       err,
		}
	}

	if !SupportedVersions[t.SchemaVersion] {
		return nil, &clustersimerrors.AgentError{
			Code:      clustersimerrors.ErrUnsupportedVersion,
			Message:   fmt.Sprintf("trace: unsupported schema_version %d", t.SchemaVersion),
			Component: "trace",
		}
	}

	return &t, nil
}
