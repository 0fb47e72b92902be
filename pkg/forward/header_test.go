package forward

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"tunnelmesh/pkg/config"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{ProxyID: 42, ProxyType: config.ProxyTCP, ClientMeta: []byte("meta")}
	encoded := EncodeHeader(h)

	r, w := io.Pipe()
	go func() {
		w.Write(encoded)
		w.Close()
	}()

	decoded, err := DecodeHeader(t.Context(), &pipeRecv{r: r})
	require.NoError(t, err)
	require.Equal(t, h.ProxyID, decoded.ProxyID)
	require.Equal(t, h.ProxyType, decoded.ProxyType)
	require.Equal(t, h.ClientMeta, decoded.ClientMeta)
}

func TestHeaderRejectsOversizedMeta(t *testing.T) {
	encoded := EncodeHeader(Header{ProxyID: 1, ProxyType: config.ProxyTCP})
	// Corrupt the meta_len field to an implausibly large value.
	encoded[9] = 0xFF
	encoded[10] = 0xFF

	r, w := io.Pipe()
	go func() {
		w.Write(encoded)
		w.Close()
	}()

	_, err := DecodeHeader(t.Context(), &pipeRecv{r: r})
	require.Error(t, err)
}
