package compressors

import (
	"bytes"
	"io"
	"testing"

	"github.com/INLOpen/nexusrestore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressors_RoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"simple string":  []byte("row-000001/cf:q/1700000000000/Put/value"),
		"repetitive":     bytes.Repeat([]byte("a"), 4096),
		"empty":          {},
		"binary row key": {0x00, 0x01, 0xfe, 0xff, 0x00},
	}

	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		compressor, err := New(ct)
		require.NoError(t, err)
		require.Equal(t, ct, compressor.Type())

		for name, data := range payloads {
			t.Run(ct.String()+"/"+name, func(t *testing.T) {
				compressed, err := compressor.Compress(data)
				require.NoError(t, err)

				rc, err := compressor.Decompress(compressed)
				require.NoError(t, err)
				got, err := io.ReadAll(rc)
				require.NoError(t, err)
				require.NoError(t, rc.Close())
				assert.Equal(t, len(data), len(got))
				assert.True(t, bytes.Equal(data, got))

				var buf bytes.Buffer
				require.NoError(t, compressor.CompressTo(&buf, data))
				rc, err = compressor.Decompress(buf.Bytes())
				require.NoError(t, err)
				got, err = io.ReadAll(rc)
				require.NoError(t, err)
				_ = rc.Close()
				assert.True(t, bytes.Equal(data, got))
			})
		}
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(core.CompressionType(42))
	assert.Error(t, err)
}

func TestLZ4Compressor_GrowsBufferForHighRatio(t *testing.T) {
	c := NewLz4Compressor()
	data := bytes.Repeat([]byte{0}, 1<<20)
	compressed, err := c.Compress(data)
	require.NoError(t, err)
	require.Less(t, len(compressed)*3, len(data))

	rc, err := c.Decompress(compressed)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, len(data), len(got))
}

func BenchmarkCompressors(b *testing.B) {
	data := bytes.Repeat([]byte(`{"row":"user#000042","cf":"info","q":"email","v":"someone@example.com"}`), 64)
	for _, ct := range []core.CompressionType{core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		c, _ := New(ct)
		b.Run(ct.String(), func(b *testing.B) {
			var buf bytes.Buffer
			b.SetBytes(int64(len(data)))
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if err := c.CompressTo(&buf, data); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
